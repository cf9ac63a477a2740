package gateway

import (
	"strings"
	"sync"

	"github.com/miekg/dns"

	"github.com/wsh-dev/wsh/internal/logger"
	"github.com/wsh-dev/wsh/internal/protocol"
)

var (
	resolverOnce sync.Once
	resolverAddr string
)

// systemResolver reads /etc/resolv.conf once per process and caches the
// first configured nameserver, falling back to a public resolver if the
// file is absent or empty (e.g. minimal containers).
func systemResolver() string {
	resolverOnce.Do(func() {
		cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil || len(cfg.Servers) == 0 {
			logger.Debug("resolv.conf unavailable, falling back to default resolver", "error", err)
			resolverAddr = "1.1.1.1:53"
			return
		}
		resolverAddr = cfg.Servers[0] + ":" + cfg.Port
	})
	return resolverAddr
}

// ResolveDNS handles a RESOLVE_DNS envelope: an A and/or AAAA lookup
// filtered by record_type, TTL always reported absent. Empty results
// are a GATEWAY_FAIL(code=3).
func (m *Manager) ResolveDNS(req *protocol.ResolveDns) {
	var qtypes []uint16
	switch strings.ToUpper(req.RecordType) {
	case "A":
		qtypes = []uint16{dns.TypeA}
	case "AAAA":
		qtypes = []uint16{dns.TypeAAAA}
	default:
		qtypes = []uint16{dns.TypeA, dns.TypeAAAA}
	}

	client := new(dns.Client)
	server := systemResolver()
	var addrs []string
	for _, qtype := range qtypes {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(req.Name), qtype)
		msg.RecursionDesired = true

		resp, _, err := client.Exchange(msg, server)
		if err != nil {
			logger.Debug("dns query failed", "name", req.Name, "type", qtype, "error", err)
			continue
		}
		for _, rr := range resp.Answer {
			switch rec := rr.(type) {
			case *dns.A:
				addrs = append(addrs, rec.A.String())
			case *dns.AAAA:
				addrs = append(addrs, rec.AAAA.String())
			}
		}
	}

	if len(addrs) == 0 {
		m.fail(req.GatewayID, protocol.GatewayFailDNSFailed, "no records found for "+req.Name)
		return
	}

	m.emitMsg(&protocol.DnsResult{
		Type:      protocol.TypeDnsResult,
		GatewayID: req.GatewayID,
		Addresses: addrs,
		TTL:       nil,
	})
}
