package helpers

import (
	"expvar"
	"io"
)

// StatReader counts bytes read from R into V.
type StatReader struct {
	R io.Reader
	V *expvar.Int
}

func NewStatReader(r io.Reader, v *expvar.Int) io.Reader {
	return &StatReader{R: r, V: v}
}

func (sr *StatReader) Read(p []byte) (n int, err error) {
	n, err = sr.R.Read(p)
	sr.V.Add(int64(n))
	return
}

// StatWriter counts bytes written to W into V.
type StatWriter struct {
	W io.Writer
	V *expvar.Int
}

func NewStatWriter(w io.Writer, v *expvar.Int) io.Writer {
	return &StatWriter{W: w, V: v}
}

func (sw *StatWriter) Write(p []byte) (n int, err error) {
	n, err = sw.W.Write(p)
	sw.V.Add(int64(n))
	return
}
