// Package config конфигурация приложения из INI файла.
//
// Config реализует callctl.Configurator. Флаги услуг (DND, автоответ,
// переадресации) можно менять на лету из консоли, поэтому они защищены
// мьютексом; остальные настройки после загрузки не меняются.
package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	ini "gopkg.in/ini.v1"

	"github.com/arzzra/callctl/pkg/callctl"
	"github.com/arzzra/callctl/pkg/logging"
)

const accountSectionPrefix = "account."

// Features флаги услуг.
type Features struct {
	DND        bool
	AutoAnswer bool
	CFU        bool
	CFUNumber  string
	CFNR       bool
	CFNRNumber string
	CFB        bool
	CFBNumber  string
}

// Config настройки приложения.
type Config struct {
	mu       sync.RWMutex
	features Features

	sipPort        int
	sipTransport   string
	sipHost        string
	publicAddress  string
	userAgent      string
	defaultAccount int
	accounts       []*Account

	codecs   []string
	tonePeer string
	rtpPort  int

	maxCalls   int
	callLog    string
	callLogMax int

	logging logging.Config

	metricsEnabled bool
	metricsListen  string
}

// Account учетная запись SIP.
type Account struct {
	index       int
	name        string
	host        string
	id          string
	user        string
	password    string
	displayName string
	domain      string
	port        int
	regState    atomic.Int32
}

func (a *Account) Index() int          { return a.index }
func (a *Account) AccountName() string { return a.name }
func (a *Account) HostName() string    { return a.host }
func (a *Account) ID() string          { return a.id }
func (a *Account) UserName() string    { return a.user }
func (a *Account) Password() string    { return a.password }
func (a *Account) DisplayName() string { return a.displayName }
func (a *Account) DomainName() string  { return a.domain }
func (a *Account) Port() int           { return a.port }

// RegState последний код ответа на REGISTER, 0 - регистрации не было.
func (a *Account) RegState() int { return int(a.regState.Load()) }

// SetRegState обновляет состояние регистрации.
func (a *Account) SetRegState(code int) { a.regState.Store(int32(code)) }

// Load читает конфигурацию из файла.
func Load(path string) (*Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return fromFile(f)
}

// Parse читает конфигурацию из содержимого INI.
func Parse(data []byte) (*Config, error) {
	f, err := ini.Load(data)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return fromFile(f)
}

// Default конфигурация без файла: все услуги выключены, аккаунтов нет.
func Default() *Config {
	c, _ := fromFile(ini.Empty())
	return c
}

func fromFile(f *ini.File) (*Config, error) {
	c := &Config{}

	sec := f.Section("features")
	c.features = Features{
		DND:        sec.Key("dnd").MustBool(false),
		AutoAnswer: sec.Key("auto_answer").MustBool(false),
		CFU:        sec.Key("cfu").MustBool(false),
		CFUNumber:  sec.Key("cfu_number").String(),
		CFNR:       sec.Key("cfnr").MustBool(false),
		CFNRNumber: sec.Key("cfnr_number").String(),
		CFB:        sec.Key("cfb").MustBool(false),
		CFBNumber:  sec.Key("cfb_number").String(),
	}

	sec = f.Section("sip")
	c.sipPort = sec.Key("port").MustInt(5060)
	c.sipTransport = strings.ToLower(sec.Key("transport").MustString("udp"))
	c.sipHost = sec.Key("host").MustString("0.0.0.0")
	c.publicAddress = sec.Key("public_address").String()
	c.userAgent = sec.Key("user_agent").MustString("callctl")
	c.defaultAccount = sec.Key("default_account").MustInt(0)

	sec = f.Section("media")
	c.codecs = splitList(sec.Key("codecs").MustString("PCMU,PCMA"))
	c.tonePeer = sec.Key("tone_peer").String()
	c.rtpPort = sec.Key("rtp_port").MustInt(10000)

	sec = f.Section("calls")
	c.maxCalls = sec.Key("max_calls").MustInt(0)
	c.callLog = sec.Key("call_log").MustString("calllog.yaml")
	c.callLogMax = sec.Key("call_log_max").MustInt(200)

	sec = f.Section("logging")
	lc := logging.DefaultConfig()
	lc.ConsoleMinLevel = sec.Key("console_min_level").MustInt(lc.ConsoleMinLevel)
	lc.FileMinLevel = sec.Key("file_min_level").MustInt(lc.FileMinLevel)
	for _, name := range []string{logging.ComponentCore, logging.ComponentSIP, logging.ComponentMedia, logging.ComponentCallLog} {
		lc.Levels[name] = sec.Key(name).MustInt(lc.Levels[name])
	}
	lc.File = sec.Key("file").String()
	lc.SIPMessages = sec.Key("sip_messages").MustBool(lc.SIPMessages)
	c.logging = lc

	sec = f.Section("metrics")
	c.metricsEnabled = sec.Key("enabled").MustBool(false)
	c.metricsListen = sec.Key("listen").MustString(":9100")

	accounts, err := loadAccounts(f)
	if err != nil {
		return nil, err
	}
	c.accounts = accounts

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func loadAccounts(f *ini.File) ([]*Account, error) {
	var accounts []*Account
	for _, sec := range f.Sections() {
		if !strings.HasPrefix(sec.Name(), accountSectionPrefix) {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimPrefix(sec.Name(), accountSectionPrefix))
		if err != nil || idx < 0 {
			return nil, fmt.Errorf("invalid account section [%s]", sec.Name())
		}
		a := &Account{
			index:       idx,
			name:        sec.Key("name").String(),
			host:        sec.Key("host").String(),
			id:          sec.Key("id").String(),
			user:        sec.Key("user").String(),
			password:    sec.Key("password").String(),
			displayName: sec.Key("display_name").String(),
			domain:      sec.Key("domain").String(),
			port:        sec.Key("port").MustInt(5060),
		}
		if a.domain == "" {
			a.domain = a.host
		}
		if a.id == "" && a.user != "" && a.domain != "" {
			a.id = fmt.Sprintf("sip:%s@%s", a.user, a.domain)
		}
		accounts = append(accounts, a)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].index < accounts[j].index })
	return accounts, nil
}

func (c *Config) validate() error {
	// port = 0 слушать любой свободный порт.
	if c.sipPort < 0 || c.sipPort > 65535 {
		return fmt.Errorf("invalid sip port %d", c.sipPort)
	}
	switch c.sipTransport {
	case "udp", "tcp":
	default:
		return fmt.Errorf("unsupported sip transport %q", c.sipTransport)
	}
	if c.maxCalls < 0 {
		return fmt.Errorf("invalid max_calls %d", c.maxCalls)
	}
	if len(c.accounts) > 0 && (c.defaultAccount < 0 || c.defaultAccount >= len(c.accounts)) {
		return fmt.Errorf("default_account %d out of range (%d accounts)", c.defaultAccount, len(c.accounts))
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// callctl.Configurator

func (c *Config) DNDFlag() bool      { return c.Features().DND }
func (c *Config) AAFlag() bool       { return c.Features().AutoAnswer }
func (c *Config) CFUFlag() bool      { return c.Features().CFU }
func (c *Config) CFUNumber() string  { return c.Features().CFUNumber }
func (c *Config) CFNRFlag() bool     { return c.Features().CFNR }
func (c *Config) CFNRNumber() string { return c.Features().CFNRNumber }
func (c *Config) CFBFlag() bool      { return c.Features().CFB }
func (c *Config) CFBNumber() string  { return c.Features().CFBNumber }

func (c *Config) SIPPort() int             { return c.sipPort }
func (c *Config) DefaultAccountIndex() int { return c.defaultAccount }
func (c *Config) NumOfAccounts() int       { return len(c.accounts) }

// Account аккаунт по позиции, вне диапазона - callctl.NullAccount.
func (c *Config) Account(i int) callctl.Account {
	if a := c.SIPAccount(i); a != nil {
		return a
	}
	return callctl.NullAccount{}
}

// SIPAccount аккаунт по позиции или nil.
func (c *Config) SIPAccount(i int) *Account {
	if i < 0 || i >= len(c.accounts) {
		return nil
	}
	return c.accounts[i]
}

func (c *Config) CodecList() []string { return append([]string(nil), c.codecs...) }

// Остальные настройки.

func (c *Config) SIPTransport() string       { return c.sipTransport }
func (c *Config) SIPHost() string            { return c.sipHost }
func (c *Config) PublicAddress() string      { return c.publicAddress }
func (c *Config) UserAgent() string          { return c.userAgent }
func (c *Config) TonePeer() string           { return c.tonePeer }
func (c *Config) RTPPort() int               { return c.rtpPort }
func (c *Config) MaxCalls() int              { return c.maxCalls }
func (c *Config) CallLogPath() string        { return c.callLog }
func (c *Config) CallLogMax() int            { return c.callLogMax }
func (c *Config) Logging() logging.Config    { return c.logging }
func (c *Config) MetricsEnabled() bool       { return c.metricsEnabled }
func (c *Config) MetricsListen() string      { return c.metricsListen }
func (c *Config) SetCallLogPath(path string) { c.callLog = path }

// Features копия флагов услуг.
func (c *Config) Features() Features {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.features
}

// SetFeatures заменяет флаги услуг целиком.
func (c *Config) SetFeatures(f Features) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.features = f
}

func (c *Config) SetDND(on bool) {
	c.update(func(f *Features) { f.DND = on })
}

func (c *Config) SetAutoAnswer(on bool) {
	c.update(func(f *Features) { f.AutoAnswer = on })
}

// SetCFU включает безусловную переадресацию на number, пустой number выключает.
func (c *Config) SetCFU(number string) {
	c.update(func(f *Features) { f.CFU, f.CFUNumber = number != "", number })
}

func (c *Config) SetCFNR(number string) {
	c.update(func(f *Features) { f.CFNR, f.CFNRNumber = number != "", number })
}

func (c *Config) SetCFB(number string) {
	c.update(func(f *Features) { f.CFB, f.CFBNumber = number != "", number })
}

func (c *Config) update(fn func(*Features)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.features)
}

// Save записывает конфигурацию в INI файл.
func (c *Config) Save(path string) error {
	f := ini.Empty()
	feat := c.Features()

	sec := f.Section("features")
	setKey(sec, "dnd", strconv.FormatBool(feat.DND))
	setKey(sec, "auto_answer", strconv.FormatBool(feat.AutoAnswer))
	setKey(sec, "cfu", strconv.FormatBool(feat.CFU))
	setKey(sec, "cfu_number", feat.CFUNumber)
	setKey(sec, "cfnr", strconv.FormatBool(feat.CFNR))
	setKey(sec, "cfnr_number", feat.CFNRNumber)
	setKey(sec, "cfb", strconv.FormatBool(feat.CFB))
	setKey(sec, "cfb_number", feat.CFBNumber)

	sec = f.Section("sip")
	setKey(sec, "port", strconv.Itoa(c.sipPort))
	setKey(sec, "transport", c.sipTransport)
	setKey(sec, "host", c.sipHost)
	setKey(sec, "public_address", c.publicAddress)
	setKey(sec, "user_agent", c.userAgent)
	setKey(sec, "default_account", strconv.Itoa(c.defaultAccount))

	for _, a := range c.accounts {
		sec = f.Section(accountSectionPrefix + strconv.Itoa(a.index))
		setKey(sec, "name", a.name)
		setKey(sec, "host", a.host)
		setKey(sec, "id", a.id)
		setKey(sec, "user", a.user)
		setKey(sec, "password", a.password)
		setKey(sec, "display_name", a.displayName)
		setKey(sec, "domain", a.domain)
		setKey(sec, "port", strconv.Itoa(a.port))
	}

	sec = f.Section("media")
	setKey(sec, "codecs", strings.Join(c.codecs, ","))
	setKey(sec, "tone_peer", c.tonePeer)
	setKey(sec, "rtp_port", strconv.Itoa(c.rtpPort))

	sec = f.Section("calls")
	setKey(sec, "max_calls", strconv.Itoa(c.maxCalls))
	setKey(sec, "call_log", c.callLog)
	setKey(sec, "call_log_max", strconv.Itoa(c.callLogMax))

	sec = f.Section("logging")
	setKey(sec, "console_min_level", strconv.Itoa(c.logging.ConsoleMinLevel))
	setKey(sec, "file_min_level", strconv.Itoa(c.logging.FileMinLevel))
	for _, name := range []string{logging.ComponentCore, logging.ComponentSIP, logging.ComponentMedia, logging.ComponentCallLog} {
		setKey(sec, name, strconv.Itoa(c.logging.Levels[name]))
	}
	setKey(sec, "file", c.logging.File)
	setKey(sec, "sip_messages", strconv.FormatBool(c.logging.SIPMessages))

	sec = f.Section("metrics")
	setKey(sec, "enabled", strconv.FormatBool(c.metricsEnabled))
	setKey(sec, "listen", c.metricsListen)

	if err := f.SaveTo(path); err != nil {
		return fmt.Errorf("save config %s: %w", path, err)
	}
	return nil
}

func setKey(sec *ini.Section, name, value string) {
	// NewKey возвращает ошибку только для пустого имени.
	_, _ = sec.NewKey(name, value)
}
