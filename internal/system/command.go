package system

import (
	"bufio"
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// CommandRunner runs an external tool and returns its standard output.
// A non-zero exit status must be reported as an error.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// CommandError describes a failed tool invocation.
type CommandError struct {
	Name     string
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = "no output"
	}
	return fmt.Sprintf("%s %s: exit %d: %s", e.Name, strings.Join(e.Args, " "), e.ExitCode, msg)
}

var (
	acIndexPattern = regexp.MustCompile(`AC (?:Power )?Setting Index:\s*0x([0-9a-fA-F]+)`)
	dcIndexPattern = regexp.MustCompile(`DC (?:Power )?Setting Index:\s*0x([0-9a-fA-F]+)`)
)

// PowerCfg implements Power on top of powercfg.exe.
type PowerCfg struct {
	Runner CommandRunner
	Binary string
}

func (p *PowerCfg) binary() string {
	if p.Binary != "" {
		return p.Binary
	}
	return "powercfg.exe"
}

// Query reads the AC and DC value indices of a setting.
func (p *PowerCfg) Query(ctx context.Context, s PowerSetting) (uint32, uint32, error) {
	out, err := p.Runner.Run(ctx, p.binary(), "/query", s.Scheme, s.Subgroup, s.Setting)
	if err != nil {
		return 0, 0, err
	}
	return ParsePowerQuery(out)
}

// SetAC writes the AC value index.
func (p *PowerCfg) SetAC(ctx context.Context, s PowerSetting, v uint32) error {
	_, err := p.Runner.Run(ctx, p.binary(), "/setacvalueindex", s.Scheme, s.Subgroup, s.Setting, strconv.FormatUint(uint64(v), 10))
	return err
}

// SetDC writes the DC value index.
func (p *PowerCfg) SetDC(ctx context.Context, s PowerSetting, v uint32) error {
	_, err := p.Runner.Run(ctx, p.binary(), "/setdcvalueindex", s.Scheme, s.Subgroup, s.Setting, strconv.FormatUint(uint64(v), 10))
	return err
}

// ParsePowerQuery extracts the AC and DC indices from powercfg /query output.
func ParsePowerQuery(out string) (uint32, uint32, error) {
	ac := acIndexPattern.FindStringSubmatch(out)
	dc := dcIndexPattern.FindStringSubmatch(out)
	if ac == nil || dc == nil {
		return 0, 0, fmt.Errorf("powercfg output has no AC/DC setting index")
	}
	acv, err := strconv.ParseUint(ac[1], 16, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("parse AC index: %w", err)
	}
	dcv, err := strconv.ParseUint(dc[1], 16, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("parse DC index: %w", err)
	}
	return uint32(acv), uint32(dcv), nil
}

// BCDEdit implements Boot on top of bcdedit.exe.
type BCDEdit struct {
	Runner CommandRunner
	Binary string
}

func (b *BCDEdit) binary() string {
	if b.Binary != "" {
		return b.Binary
	}
	return "bcdedit.exe"
}

// Get reads one element of a boot entry.
func (b *BCDEdit) Get(ctx context.Context, entry, element string) (string, bool, error) {
	out, err := b.Runner.Run(ctx, b.binary(), "/enum", entry)
	if err != nil {
		return "", false, err
	}
	v, ok := FindBootElement(out, element)
	return v, ok, nil
}

// Set overwrites one element of a boot entry.
func (b *BCDEdit) Set(ctx context.Context, entry, element, value string) error {
	_, err := b.Runner.Run(ctx, b.binary(), "/set", entry, element, value)
	return err
}

// Delete removes one element of a boot entry if it is set.
func (b *BCDEdit) Delete(ctx context.Context, entry, element string) error {
	_, found, err := b.Get(ctx, entry, element)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	_, err = b.Runner.Run(ctx, b.binary(), "/deletevalue", entry, element)
	return err
}

// FindBootElement scans bcdedit /enum output for an element line. Element
// names compare case-insensitively; an element with an empty value counts as unset.
func FindBootElement(out, element string) (string, bool) {
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 || !strings.EqualFold(fields[0], element) {
			continue
		}
		line := strings.TrimSpace(sc.Text())
		value := strings.TrimSpace(line[len(fields[0]):])
		if value == "" {
			return "", false
		}
		return value, true
	}
	return "", false
}
