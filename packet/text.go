package packet

import (
	"sync"

	"github.com/juju/errors"
	"github.com/paulrosania/go-charset/charset"
	_ "github.com/paulrosania/go-charset/data"
)

// TextEncoder converts UTF-8 into marquee display codepage.
// Empty codepage passes bytes as is.
type TextEncoder struct {
	mu sync.Mutex
	tr charset.Translator
}

func NewTextEncoder(codepage string) (*TextEncoder, error) {
	self := &TextEncoder{}
	if codepage == "" {
		return self, nil
	}
	tr, err := charset.TranslatorTo(codepage)
	if err != nil {
		return nil, errors.Annotatef(err, "codepage=%s", codepage)
	}
	self.tr = tr
	return self, nil
}

// Encode returns at most LichtkrantLen bytes.
func (self *TextEncoder) Encode(s string) ([]byte, error) {
	result := []byte(s)
	if self != nil && self.tr != nil {
		self.mu.Lock()
		_, tb, err := self.tr.Translate(result, true)
		// translator reuses single internal buffer, make a copy
		result = append([]byte(nil), tb...)
		self.mu.Unlock()
		if err != nil {
			return nil, errors.Annotatef(err, "text=%q", s)
		}
	}
	if len(result) > LichtkrantLen {
		result = result[:LichtkrantLen]
	}
	return result, nil
}

func (self *TextEncoder) Frame(kind FrameKind, id uint8, s string) (Frame, error) {
	b, err := self.Encode(s)
	if err != nil {
		return Frame{}, err
	}
	return NewLichtkrant(kind, id, b), nil
}
