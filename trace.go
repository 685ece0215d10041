package rfbiom

import (
	"bufio"
	"fmt"
	"os"

	"go.uber.org/multierr"
)

// CsvTrace records every tick to a CSV file for offline threshold tuning.
type CsvTrace struct {
	file   *os.File
	writer *bufio.Writer
	err    error // first write failure, returned by Close
}

// NewCsvTrace creates filename and writes the header.
func NewCsvTrace(filename string) (*CsvTrace, error) {
	f, err := os.Create(filename)
	if err != nil {
		return nil, err
	}

	w := bufio.NewWriter(f)
	if _, err := w.WriteString("Tick,Acquired,Variance,BioEnergy,State,RespirationHz\n"); err != nil {
		f.Close()
		return nil, err
	}

	return &CsvTrace{file: f, writer: w}, nil
}

func (d *CsvTrace) Report(r Result) {
	acquired := 0
	if r.Acquired {
		acquired = 1
	}
	resp := ""
	if r.HasRespiration {
		resp = fmt.Sprintf("%f", r.RespirationHz)
	}
	_, err := fmt.Fprintf(d.writer, "%d,%d,%f,%f,%d,%s\n",
		r.Tick, acquired, r.Reading.Variance, r.Reading.BioEnergy, int(r.State), resp)
	if err != nil && d.err == nil {
		d.err = err
	}
}

// Close flushes the buffer and closes the file.
func (d *CsvTrace) Close() error {
	return multierr.Combine(d.err, d.writer.Flush(), d.file.Close())
}

// MultiReporter fans each result out to several reporters.
type MultiReporter []Reporter

func (m MultiReporter) Report(r Result) {
	for _, rep := range m {
		rep.Report(r)
	}
}

func (m MultiReporter) Close() error {
	var err error
	for _, rep := range m {
		err = multierr.Append(err, rep.Close())
	}
	return err
}
