// Package datalog writes acquisition records to disk as CSV or as a FITS
// binary table, and converts raw positions to physical units.
package datalog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nasa-jpl/ecrig/hal"
)

// MMPerInch converts inches to millimeters
const MMPerInch = 25.4

// ErrUnknownUnit is returned by ParseUnit
var ErrUnknownUnit = errors.New("datalog: unknown unit")

// Unit is the unit positions are reported in
type Unit string

const (
	// Raw is converter counts
	Raw Unit = "raw"
	// Inches along the stroke
	Inches Unit = "in"
	// Millimeters along the stroke
	Millimeters Unit = "mm"
)

// ParseUnit accepts raw, in, inch, inches, mm
func ParseUnit(s string) (Unit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "raw", "counts":
		return Raw, nil
	case "in", "inch", "inches":
		return Inches, nil
	case "mm", "millimeters":
		return Millimeters, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownUnit, s)
}

// InToMM converts inches to millimeters
func InToMM(in float64) float64 { return in * MMPerInch }

// MMToIn converts millimeters to inches
func MMToIn(mm float64) float64 { return mm / MMPerInch }

// Units maps converter counts onto the actuator stroke
type Units struct {
	Unit Unit

	// Stroke is the full travel of the actuator in inches, spanning
	// [0, hal.MaxLevel]
	Stroke float64
}

// Convert turns a level into the configured unit
func (u Units) Convert(level int) float64 {
	in := float64(level) / hal.MaxLevel * u.Stroke
	switch u.Unit {
	case Inches:
		return in
	case Millimeters:
		return InToMM(in)
	}
	return float64(level)
}

// Label is the unit name used in file headers
func (u Units) Label() string {
	if u.Unit == "" {
		return string(Raw)
	}
	return string(u.Unit)
}

// Record is one acquired sample
type Record struct {
	// Elapsed is seconds since the acquisition began
	Elapsed  float64
	Level    int
	Position float64
}

// Meta describes an acquisition
type Meta struct {
	RunID string
	Units Units
}

// Writer persists Records.  Close must be called to flush.
type Writer interface {
	Write(Record) error
	Close() error
}

// Create opens path for writing, choosing the format from the extension:
// .fits, .fit or .fts produce a FITS binary table, anything else CSV
func Create(path string, meta Meta) (Writer, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".fits", ".fit", ".fts":
		return NewFITS(path, meta), nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w, err := NewCSV(f, meta)
	if err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// CSV writes Records as comma separated values with a header row
type CSV struct {
	w *csv.Writer
	c io.Closer
}

// NewCSV writes the header to w.  If w is also an io.Closer it is closed by
// Close.
func NewCSV(w io.Writer, meta Meta) (*CSV, error) {
	cw := csv.NewWriter(w)
	out := &CSV{w: cw}
	if c, ok := w.(io.Closer); ok {
		out.c = c
	}
	hdr := []string{"elapsed_s", "level", "position_" + meta.Units.Label()}
	if err := cw.Write(hdr); err != nil {
		return nil, err
	}
	return out, nil
}

// Write appends a row
func (c *CSV) Write(r Record) error {
	return c.w.Write([]string{
		strconv.FormatFloat(r.Elapsed, 'f', 6, 64),
		strconv.Itoa(r.Level),
		strconv.FormatFloat(r.Position, 'g', -1, 64),
	})
}

// Close flushes and closes the underlying writer
func (c *CSV) Close() error {
	c.w.Flush()
	err := c.w.Error()
	if c.c != nil {
		if cerr := c.c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
