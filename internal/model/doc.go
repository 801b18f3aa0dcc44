// Package model holds the compiled firewall: per-version rule sets made of
// (table, chain) pairs with ordered rules, plus the address sets.
//
// Everything here is safe for concurrent use. A ChainSet guards its chain
// index and each Chain guards its own rule list, so workers appending to
// different chains never contend.
//
// The model renders itself with ScriptBuilder into iptables-restore and
// ipset restore scripts.
package model
