package main

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"nikand.dev/go/cli"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/veilware/veil/obf"
	"github.com/veilware/veil/obf/lift"
	"github.com/veilware/veil/obf/profile"
)

func main() {
	protectCmd := &cli.Command{
		Name:   "protect",
		Action: protectAct,
		Flags: []*cli.Flag{
			cli.NewFlag("config,c", "", "protection profile (yaml)"),
			cli.NewFlag("key,k", "", "license key (or VEIL_KEY)"),
			cli.NewFlag("input,i", "", "input executable"),
			cli.NewFlag("pdb,p", "", "debug symbol table (json)"),
			cli.NewFlag("output,o", "out.zip", "output bundle"),
		},
	}

	analyzeCmd := &cli.Command{
		Name:   "analyze",
		Action: analyzeAct,
		Flags: []*cli.Flag{
			cli.NewFlag("input,i", "", "input executable"),
			cli.NewFlag("pdb,p", "", "debug symbol table (json)"),
		},
	}

	app := &cli.Command{
		Name:        "veil",
		Description: "veil protects x86-64 executables by rewriting their machine code",
		Before:      before,
		Flags: []*cli.Flag{
			cli.NewFlag("verbosity,v", "", "log topic filter"),
			cli.HelpFlag,
			cli.FlagfileFlag,
		},
		Commands: []*cli.Command{
			protectCmd,
			analyzeCmd,
		},
	}

	cli.RunAndExit(app, os.Args, os.Environ())
}

func before(c *cli.Command) error {
	tlog.DefaultLogger.SetVerbosity(c.String("v"))

	return nil
}

func protectAct(c *cli.Command) (err error) {
	ctx := tlog.ContextWithSpan(context.Background(), tlog.Root())

	key := c.String("key")
	if key == "" {
		key = os.Getenv("VEIL_KEY")
	}
	if key == "" {
		return errors.New("license key required (-k or VEIL_KEY)")
	}

	// remote verification is out of scope; the key only has to be present
	tlog.Printw("license key accepted", "len", len(key))

	cfgData, err := os.ReadFile(c.String("config"))
	if err != nil {
		return errors.Wrap(err, "read config")
	}

	cfg, err := profile.Load(cfgData)
	if err != nil {
		return errors.Wrap(err, "load config")
	}

	input, err := os.ReadFile(c.String("input"))
	if err != nil {
		return errors.Wrap(err, "read input")
	}

	var dbg []byte

	if p := c.String("pdb"); p != "" {
		dbg, err = os.ReadFile(p)
		if err != nil {
			return errors.Wrap(err, "read symbols")
		}
	}

	res, err := obf.Run(ctx, input, dbg, cfg)
	if err != nil {
		return errors.Wrap(err, "protect")
	}

	data, err := bundle(filepath.Base(c.String("input")), res)
	if err != nil {
		return errors.Wrap(err, "bundle")
	}

	err = os.WriteFile(c.String("output"), data, 0o644)
	if err != nil {
		return errors.Wrap(err, "write output")
	}

	tlog.Printw("done", "output", c.String("output"), "report_entries", len(res.Report))

	return nil
}

// bundle packs the protected binary, the run report and the patched symbol
// table into one zip.
func bundle(name string, res *obf.Result) ([]byte, error) {
	var b bytes.Buffer

	w := zip.NewWriter(&b)

	f, err := w.Create(name)
	if err == nil {
		_, err = f.Write(res.Output)
	}
	if err != nil {
		return nil, errors.Wrap(err, "binary")
	}

	rep, err := json.MarshalIndent(res.Report, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "report")
	}

	f, err = w.Create("report.json")
	if err == nil {
		_, err = f.Write(rep)
	}
	if err != nil {
		return nil, errors.Wrap(err, "report")
	}

	if res.Debug != nil {
		f, err = w.Create("symbols.json")
		if err == nil {
			_, err = f.Write(res.Debug)
		}
		if err != nil {
			return nil, errors.Wrap(err, "symbols")
		}
	}

	err = w.Close()
	if err != nil {
		return nil, errors.Wrap(err, "close zip")
	}

	return b.Bytes(), nil
}

func analyzeAct(c *cli.Command) (err error) {
	ctx := tlog.ContextWithSpan(context.Background(), tlog.Root())

	input, err := os.ReadFile(c.String("input"))
	if err != nil {
		return errors.Wrap(err, "read input")
	}

	var table *lift.DebugTable

	if p := c.String("pdb"); p != "" {
		data, err := os.ReadFile(p)
		if err != nil {
			return errors.Wrap(err, "read symbols")
		}

		table = &lift.DebugTable{}

		err = json.Unmarshal(data, table)
		if err != nil {
			return errors.Wrap(err, "parse symbols")
		}
	}

	raw := len(input) < 2 || input[0] != 'M' || input[1] != 'Z'

	m, err := lift.Lift(ctx, input, table, lift.Options{
		Raw:       raw,
		LiftCalls: true,
		Conv:      "conservative",
	})
	if err != nil {
		return errors.Wrap(err, "lift")
	}

	for _, f := range m.Funcs {
		if f.Blocks == nil {
			continue
		}

		n := 0
		for _, b := range f.Blocks {
			n += len(b.Code)
		}

		fmt.Printf("%#10x  %-40v  blocks %4v  instrs %5v\n", f.RVA, f.Name, len(f.Blocks), n)
	}

	return nil
}
