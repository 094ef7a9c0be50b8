package sipua

import (
	"fmt"
	"strings"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/callctl/pkg/callctl"
)

// TargetURI адрес назначения вызова. Полный URI используется как есть,
// короткий номер дополняется доменом и портом аккаунта.
func TargetURI(number string, acc callctl.Account) (sip.Uri, error) {
	number = strings.TrimSpace(number)
	if number == "" {
		return sip.Uri{}, fmt.Errorf("пустой номер")
	}

	if strings.Contains(number, "@") || strings.HasPrefix(number, "sip:") || strings.HasPrefix(number, "sips:") {
		s := number
		if !strings.HasPrefix(s, "sip:") && !strings.HasPrefix(s, "sips:") {
			s = "sip:" + s
		}
		var uri sip.Uri
		if err := sip.ParseUri(s, &uri); err != nil {
			return sip.Uri{}, fmt.Errorf("некорректный SIP URI %q: %w", number, err)
		}
		return uri, nil
	}

	host := acc.DomainName()
	if host == "" {
		host = acc.HostName()
	}
	if host == "" {
		return sip.Uri{}, fmt.Errorf("у аккаунта %q нет домена для номера %s", acc.AccountName(), number)
	}
	uri := sip.Uri{Scheme: "sip", User: number, Host: host}
	if p := acc.Port(); p > 0 && p != 5060 {
		uri.Port = p
	}
	return uri, nil
}

// AccountURI адрес записи аккаунта: его ID или sip:user@domain.
func AccountURI(acc callctl.Account) (sip.Uri, error) {
	if id := acc.ID(); id != "" {
		var uri sip.Uri
		if err := sip.ParseUri(id, &uri); err == nil {
			return uri, nil
		}
	}
	host := acc.DomainName()
	if host == "" {
		host = acc.HostName()
	}
	if host == "" {
		return sip.Uri{}, fmt.Errorf("у аккаунта %q нет домена", acc.AccountName())
	}
	return sip.Uri{Scheme: "sip", User: acc.UserName(), Host: host}, nil
}

// RegistrarURI адрес регистратора аккаунта.
func RegistrarURI(acc callctl.Account) (sip.Uri, error) {
	host := acc.HostName()
	if host == "" {
		host = acc.DomainName()
	}
	if host == "" {
		return sip.Uri{}, fmt.Errorf("у аккаунта %q нет хоста регистратора", acc.AccountName())
	}
	uri := sip.Uri{Scheme: "sip", Host: host}
	if p := acc.Port(); p > 0 {
		uri.Port = p
	}
	return uri, nil
}

// CallerID номер и имя звонящего из From. Номер это user часть URI,
// имя берется из display name, без него совпадает с номером.
func CallerID(from *sip.FromHeader) (number, name string) {
	if from == nil {
		return "", ""
	}
	number = from.Address.User
	if number == "" {
		number = from.Address.Host
	}
	name = strings.Trim(from.DisplayName, `"`)
	if name == "" {
		name = number
	}
	return number, name
}
