package firewall

import (
	"fmt"
	"slices"
	"strings"

	"github.com/go-i2p/tunlock/lib/tunnelstate"
)

var (
	lanIPv4 = []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "169.254.0.0/16"}
	lanIPv6 = []string{"fe80::/10", "fc00::/7"}
	// Multicast used by LAN discovery protocols.
	lanMulticastIPv4 = []string{"224.0.0.0/24", "239.255.255.250/32"}
	lanMulticastIPv6 = []string{"ff02::/16"}
)

// replaceTable makes the following table definition replace any existing one
// in the same transaction. Declaring the table first keeps the delete valid
// when it does not exist yet.
func replaceTable(table string) string {
	return fmt.Sprintf("table inet %s\ndelete table inet %s\n", table, table)
}

func render(cfg Config, p tunnelstate.Policy) string {
	var b strings.Builder
	fmt.Fprintf(&b, "table inet %s {\n", cfg.Table)

	b.WriteString("\tchain output {\n")
	b.WriteString("\t\ttype filter hook output priority 0; policy drop;\n")
	b.WriteString("\t\toif \"lo\" accept\n")
	writeOutputRules(&b, cfg, p)
	b.WriteString("\t}\n")

	b.WriteString("\tchain input {\n")
	b.WriteString("\t\ttype filter hook input priority 0; policy drop;\n")
	b.WriteString("\t\tiif \"lo\" accept\n")
	b.WriteString("\t\tct state established,related accept\n")
	writeInputRules(&b, p)
	b.WriteString("\t}\n")

	b.WriteString("\tchain forward {\n")
	b.WriteString("\t\ttype filter hook forward priority 0; policy drop;\n")
	if p.Kind == tunnelstate.PolicyConnected && p.Interface != "" {
		fmt.Fprintf(&b, "\t\toifname %q accept\n", p.Interface)
		fmt.Fprintf(&b, "\t\tiifname %q ct state established,related accept\n", p.Interface)
	}
	b.WriteString("\t}\n")

	b.WriteString("}\n")
	return b.String()
}

func writeOutputRules(b *strings.Builder, cfg Config, p tunnelstate.Policy) {
	if p.Kind != tunnelstate.PolicyBlocked {
		// A zero endpoint means the tunnel is carried by a local I2P router,
		// which loopback already covers.
		if p.Endpoint.IsValid() {
			family := "ip"
			if p.Endpoint.Addr().Is6() && !p.Endpoint.Addr().Is4In6() {
				family = "ip6"
			}
			fmt.Fprintf(b, "\t\t%s daddr %s %s dport %d accept\n",
				family, p.Endpoint.Addr().Unmap(), p.Protocol, p.Endpoint.Port())
		}
		if cfg.SplitTunnelClassID != 0 {
			fmt.Fprintf(b, "\t\tmeta cgroup %#x accept\n", cfg.SplitTunnelClassID)
		}
	}
	if p.Kind == tunnelstate.PolicyConnected && p.Interface != "" {
		fmt.Fprintf(b, "\t\toifname %q accept\n", p.Interface)
	}
	if p.AllowLAN {
		fmt.Fprintf(b, "\t\tip daddr { %s } accept\n", strings.Join(slices.Concat(lanIPv4, lanMulticastIPv4), ", "))
		fmt.Fprintf(b, "\t\tip6 daddr { %s } accept\n", strings.Join(slices.Concat(lanIPv6, lanMulticastIPv6), ", "))
		b.WriteString("\t\tudp sport 68 udp dport 67 accept\n")
		b.WriteString("\t\tudp sport 546 udp dport 547 accept\n")
		b.WriteString("\t\ticmpv6 type { nd-router-solicit, nd-neighbor-solicit, nd-neighbor-advert } accept\n")
	}
}

func writeInputRules(b *strings.Builder, p tunnelstate.Policy) {
	if p.Kind == tunnelstate.PolicyConnected && p.Interface != "" {
		fmt.Fprintf(b, "\t\tiifname %q accept\n", p.Interface)
	}
	if p.AllowLAN {
		fmt.Fprintf(b, "\t\tip saddr { %s } accept\n", strings.Join(lanIPv4, ", "))
		fmt.Fprintf(b, "\t\tip6 saddr { %s } accept\n", strings.Join(lanIPv6, ", "))
		b.WriteString("\t\tudp sport 67 udp dport 68 accept\n")
		b.WriteString("\t\tudp sport 547 udp dport 546 accept\n")
		b.WriteString("\t\ticmpv6 type { nd-router-advert, nd-neighbor-solicit, nd-neighbor-advert } accept\n")
	}
}
