package sipua

import (
	"fmt"

	"github.com/arzzra/callctl/pkg/callctl"
)

// serviceReply финальный ответ на входящий INVITE, которым стек
// выполняет сервисный запрос.
type serviceReply struct {
	code    int
	reason  string
	contact string // цель переадресации, пусто если ее нет
}

// replyForService ответ для сервисного кода. Переадресации уходят 302 с
// новой целью в Contact, DND отвечает 486. Конференция не является
// ответом на INVITE и здесь не обрабатывается.
func replyForService(code callctl.ServiceCode, dest string) (serviceReply, error) {
	switch code {
	case callctl.ServiceCD, callctl.ServiceCFU, callctl.ServiceCFNR, callctl.ServiceCFB:
		if dest == "" {
			return serviceReply{}, fmt.Errorf("%s: пустой номер переадресации", code)
		}
		return serviceReply{code: 302, reason: "Moved Temporarily", contact: dest}, nil
	case callctl.ServiceDND:
		return serviceReply{code: 486, reason: "Busy Here"}, nil
	}
	return serviceReply{}, fmt.Errorf("сервис %s не поддерживается для входящего вызова", code)
}

// Отказ от неотвеченного входящего вызова.
var declineReply = serviceReply{code: 603, reason: "Decline"}
