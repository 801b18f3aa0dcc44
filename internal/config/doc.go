// Package config defines the declarative firewall document consumed by the
// compiler and loads it from HCL, YAML or JSON.
//
// # Document
//
//	environment "wan_if" {
//	  language = "bash"
//	  command  = "ip -o route get 1.1.1.1 | awk '{print $5}'"
//	  default  = "eth0"
//	}
//
//	chain "INPUT" {
//	  table    = ["filter"]
//	  protocol = ["ipv4", "ipv6"]
//	}
//
//	chain "CLIENT_{0}" {
//	  table        = ["filter"]
//	  dynamic      = "client"
//	  dynamic_init = ["warm"]
//	}
//
//	rule {
//	  rule      = "-A INPUT -i {wan_if} -j {client.alice}"
//	  table     = ["filter"]
//	  condition = "!Check(var.wan_if)"
//	}
//
//	ipset "trusted" {
//	  type    = "hash:ip"
//	  entries = ["10.0.0.1", "host.example"]
//	}
//
// HCL expressions may reference the process environment as env.NAME. The YAML
// form keeps the original layout (environment mapping, iptables.chains,
// iptables.rules, ipsets) and preserves environment declaration order.
package config
