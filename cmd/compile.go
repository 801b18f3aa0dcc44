package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// Summary is the machine-readable description of a compile run.
type Summary struct {
	RunID      string         `json:"run_id"`
	Chains     int            `json:"chains"`
	Rules      int            `json:"rules"`
	Sets       int            `json:"sets"`
	Skipped    int            `json:"skipped"`
	Expansions int            `json:"expansions"`
	Scripts    map[int]string `json:"scripts"`
	SetScript  string         `json:"ipset_script,omitempty"`
}

// RunCompile compiles the config and writes the restore scripts to out.
// version limits output to one ip version; 0 writes all of them.
func RunCompile(ctx context.Context, opts Options, out io.Writer, version int, asJSON bool) error {
	res, err := compileFile(ctx, opts)
	if err != nil {
		return err
	}

	if version != 0 {
		if _, ok := res.Scripts[version]; !ok {
			return fmt.Errorf("no rules for ipv%d", version)
		}
	}

	if asJSON {
		s := Summary{
			RunID:      res.RunID,
			Chains:     res.Chains,
			Rules:      res.Rules,
			Sets:       res.Sets,
			Skipped:    res.Skipped,
			Expansions: res.Expansions,
			Scripts:    res.Scripts,
			SetScript:  res.SetScript,
		}
		if version != 0 {
			s.Scripts = map[int]string{version: res.Scripts[version]}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}

	if res.SetScript != "" {
		fmt.Fprintf(out, "# ipset\n%s", res.SetScript)
	}
	for _, v := range res.Versions() {
		if version != 0 && v != version {
			continue
		}
		fmt.Fprintf(out, "# ipv%d\n%s", v, res.Scripts[v])
	}
	return nil
}
