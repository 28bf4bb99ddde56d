package datalog

import (
	"io"
	"os"

	"github.com/astrogo/fitsio"
)

// FITS collects Records and writes them as a binary table extension on Close.
// The primary HDU carries the run metadata.
type FITS struct {
	path string
	meta Meta
	recs []Record
}

// NewFITS returns a writer which creates path on Close
func NewFITS(path string, meta Meta) *FITS {
	return &FITS{path: path, meta: meta}
}

// Write buffers a record
func (f *FITS) Write(r Record) error {
	f.recs = append(f.recs, r)
	return nil
}

// Close writes the file
func (f *FITS) Close() error {
	fid, err := os.Create(f.path)
	if err != nil {
		return err
	}
	defer fid.Close()
	if err := WriteFITS(fid, f.meta, f.recs); err != nil {
		return err
	}
	return fid.Close()
}

// WriteFITS streams recs to w as a FITS file
func WriteFITS(w io.Writer, meta Meta, recs []Record) error {
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()

	phdu := fitsio.NewImage(8, nil)
	defer phdu.Close()
	err = phdu.Header().Append(
		fitsio.Card{Name: "RUNID", Value: meta.RunID, Comment: "acquisition run"},
		fitsio.Card{Name: "UNITS", Value: meta.Units.Label(), Comment: "position unit"},
		fitsio.Card{Name: "STROKE", Value: meta.Units.Stroke, Comment: "actuator stroke, inches"},
		fitsio.Card{Name: "NSAMP", Value: len(recs), Comment: "number of samples"},
	)
	if err != nil {
		return err
	}
	if err := fits.Write(phdu); err != nil {
		return err
	}

	cols := []fitsio.Column{
		{Name: "ELAPSED", Format: "D", Unit: "s"},
		{Name: "LEVEL", Format: "J"},
		{Name: "POSITION", Format: "D", Unit: meta.Units.Label()},
	}
	tbl, err := fitsio.NewTable("ACQUIRE", cols, fitsio.BINARY_TBL)
	if err != nil {
		return err
	}
	defer tbl.Close()
	for _, r := range recs {
		lvl := int32(r.Level)
		if err := tbl.Write(&r.Elapsed, &lvl, &r.Position); err != nil {
			return err
		}
	}
	return fits.Write(tbl)
}
