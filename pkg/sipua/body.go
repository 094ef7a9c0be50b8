package sipua

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/arzzra/callctl/pkg/tone"
)

// parseSipfragStatusCode код ответа из тела NOTIFY (message/sipfrag),
// первая строка вида "SIP/2.0 200 OK". 0 если разобрать не удалось.
func parseSipfragStatusCode(body []byte) int {
	if len(body) == 0 {
		return 0
	}
	firstLine, _, _ := bytes.Cut(body, []byte("\n"))
	parts := strings.Fields(string(firstLine))
	if len(parts) < 2 {
		return 0
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0
	}
	return code
}

// dtmfRelayBody тело application/dtmf-relay для одной цифры.
func dtmfRelayBody(d tone.Digit, dur time.Duration) []byte {
	return []byte(fmt.Sprintf("Signal=%s\r\nDuration=%d\r\n", d, dur.Milliseconds()))
}

// parseDtmfRelay цифра из тела application/dtmf-relay.
func parseDtmfRelay(body []byte) (string, bool) {
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		key, val, ok := strings.Cut(sc.Text(), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(key), "signal") {
			continue
		}
		val = strings.TrimSpace(val)
		if _, err := tone.ParseDigits(val); err != nil || len(val) != 1 {
			return "", false
		}
		return strings.ToUpper(val), true
	}
	return "", false
}
