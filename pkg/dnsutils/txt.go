package dnsutils

import (
	"strconv"
	"strings"

	"github.com/miekg/dns"
)

// NoTTL marks a TxtAnswer without a usable TTL.
const NoTTL = -1

// TxtAnswer is one TXT record. Data is the record text with all its
// character-strings concatenated.
type TxtAnswer struct {
	Data string `json:"data"`
	TTL  int    `json:"TTL"`
}

// NewTXTQuery builds a recursive TXT query for name.
func NewTXTQuery(name string) *dns.Msg {
	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(name), dns.TypeTXT)
	q.RecursionDesired = true
	q.SetEdns0(dns.DefaultMsgSize, false)
	return q
}

// TxtAnswers returns the TXT records of the answer section of m.
func TxtAnswers(m *dns.Msg) []TxtAnswer {
	answers := make([]TxtAnswer, 0, len(m.Answer))
	for _, rr := range m.Answer {
		txt, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}
		answers = append(answers, TxtAnswer{
			Data: strings.Join(txt.Txt, ""),
			TTL:  int(txt.Hdr.Ttl),
		})
	}
	return answers
}

// GetMinimalTTL returns the smallest TTL in the message, skipping OPT records.
func GetMinimalTTL(m *dns.Msg) uint32 {
	minTTL := ^uint32(0)
	hasRecord := false
	for _, section := range [...][]dns.RR{m.Answer, m.Ns, m.Extra} {
		for _, rr := range section {
			hdr := rr.Header()
			if hdr.Rrtype != dns.TypeOPT {
				hasRecord = true
				if hdr.Ttl < minTTL {
					minTTL = hdr.Ttl
				}
			}
		}
	}
	if !hasRecord {
		return 0
	}
	return minTTL
}

// TrimFqdn removes the trailing root dot of a name.
func TrimFqdn(name string) string {
	if dns.IsFqdn(name) && len(name) > 1 {
		return name[:len(name)-1]
	}
	return name
}

func RcodeToString(rcode int) string {
	if s, ok := dns.RcodeToString[rcode]; ok {
		return s
	}
	return strconv.Itoa(rcode)
}
