package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/arzzra/callctl/pkg/callctl"
	"github.com/arzzra/callctl/pkg/config"
)

var errQuit = errors.New("quit")

// runner исполняет функцию в потоке ядра и ждет ее завершения.
type runner interface {
	Do(ctx context.Context, fn func()) error
}

// console интерактивные команды пользователя. Все обращения к менеджеру
// идут через runner, потому что менеджер не синхронизирован.
type console struct {
	m          *callctl.Manager
	cfg        *config.Config
	run        runner
	out        io.Writer
	configPath string
	dtmfMode   callctl.DtmfMode
}

const consoleHelp = `commands:
  dial <number> [account]     outbound call
  answer <session>            answer an incoming call
  hold <session>              toggle hold/retrieve
  release <session>           hang up
  xfer <session> <number>     transfer (deflect when ringing)
  dtmf <session> <digits>     send DTMF digits
  conf                        join the active and a held call
  list                        show calls
  set dnd|aa on|off           do-not-disturb, auto-answer
  set cfu|cfnr|cfb <number>|off
  save                        write configuration back to file
  quit
`

// serve читает команды построчно до EOF или quit.
func (c *console) serve(ctx context.Context, in io.Reader) error {
	sc := bufio.NewScanner(in)
	fmt.Fprint(c.out, "> ")
	for sc.Scan() {
		err := c.exec(ctx, sc.Text())
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fmt.Fprint(c.out, "> ")
	}
	return sc.Err()
}

func (c *console) exec(ctx context.Context, line string) error {
	args := strings.Fields(line)
	if len(args) == 0 {
		return nil
	}

	switch cmd, rest := strings.ToLower(args[0]), args[1:]; cmd {
	case "help", "?":
		fmt.Fprint(c.out, consoleHelp)
		return nil
	case "quit", "exit":
		return errQuit
	case "dial":
		return c.dial(ctx, rest)
	case "answer":
		return c.withSession(ctx, rest, 1, func(id int) { c.m.OnUserAnswer(id) })
	case "hold":
		return c.withSession(ctx, rest, 1, func(id int) { c.m.OnUserHoldRetrieve(id) })
	case "release", "hangup":
		return c.withSession(ctx, rest, 1, func(id int) { c.m.OnUserRelease(id) })
	case "xfer":
		return c.withSession(ctx, rest, 2, func(id int) { c.m.OnUserTransfer(id, rest[1]) })
	case "dtmf":
		return c.withSession(ctx, rest, 2, func(id int) { c.m.OnUserDialDigit(id, rest[1], c.dtmfMode) })
	case "conf":
		return c.run.Do(ctx, func() {
			if active := c.m.CallInState(callctl.StateActive); active != nil {
				c.m.OnUserConference(active.Session())
			}
		})
	case "list", "ls":
		return c.list(ctx)
	case "set":
		return c.set(rest)
	case "save":
		if err := c.cfg.Save(c.configPath); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "saved %s\n", c.configPath)
		return nil
	}
	return fmt.Errorf("unknown command %q, try help", args[0])
}

func (c *console) dial(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: dial <number> [account]")
	}
	account := c.cfg.DefaultAccountIndex()
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("bad account index %q", args[1])
		}
		account = n
	}

	var call *callctl.StateMachine
	var dialErr error
	if err := c.run.Do(ctx, func() { call, dialErr = c.m.Dial(args[0], account) }); err != nil {
		return err
	}
	if dialErr != nil {
		return dialErr
	}
	if call == nil {
		fmt.Fprintf(c.out, "holding active call, %s will be dialed on hold confirm\n", args[0])
		return nil
	}
	fmt.Fprintf(c.out, "session %d: calling %s\n", call.Session(), args[0])
	return nil
}

// withSession разбирает идентификатор сессии и выполняет fn в потоке ядра.
func (c *console) withSession(ctx context.Context, args []string, need int, fn func(id int)) error {
	if len(args) < need {
		return fmt.Errorf("expected %d argument(s)", need)
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("bad session %q", args[0])
	}

	var lookupErr error
	err = c.run.Do(ctx, func() {
		if _, lookupErr = c.m.Lookup(id); lookupErr == nil {
			fn(id)
		}
	})
	if err != nil {
		return err
	}
	return lookupErr
}

func (c *console) list(ctx context.Context) error {
	var calls []callctl.CallInfo
	if err := c.run.Do(ctx, func() { calls = c.m.Snapshots() }); err != nil {
		return err
	}
	if len(calls) == 0 {
		fmt.Fprintln(c.out, "no calls")
		return nil
	}

	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tSTATE\tNUMBER\tNAME\tTYPE\tTALK")
	for _, ci := range calls {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			ci.Session, ci.State, ci.CallingNumber, ci.CallingName, ci.Type, ci.RuntimeDuration.Round(1e9))
	}
	return tw.Flush()
}

// set меняет флаги услуг. Конфигуратор защищен своим мьютексом, поэтому
// поток ядра здесь не нужен.
func (c *console) set(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: set <feature> <value>")
	}
	value := args[1]
	off := strings.EqualFold(value, "off")

	switch strings.ToLower(args[0]) {
	case "dnd":
		on, err := parseSwitch(value)
		if err != nil {
			return err
		}
		c.cfg.SetDND(on)
	case "aa", "auto_answer":
		on, err := parseSwitch(value)
		if err != nil {
			return err
		}
		c.cfg.SetAutoAnswer(on)
	case "cfu":
		c.cfg.SetCFU(numberOrEmpty(value, off))
	case "cfnr":
		c.cfg.SetCFNR(numberOrEmpty(value, off))
	case "cfb":
		c.cfg.SetCFB(numberOrEmpty(value, off))
	default:
		return fmt.Errorf("unknown feature %q", args[0])
	}

	f := c.cfg.Features()
	fmt.Fprintf(c.out, "dnd=%t aa=%t cfu=%q cfnr=%q cfb=%q\n", f.DND, f.AutoAnswer, f.CFUNumber, f.CFNRNumber, f.CFBNumber)
	return nil
}

func parseSwitch(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "on", "true", "1", "yes":
		return true, nil
	case "off", "false", "0", "no":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", v)
}

func numberOrEmpty(v string, off bool) string {
	if off {
		return ""
	}
	return v
}
