package message

import (
	"sort"
	"strings"
	"time"

	gocoap "github.com/plgd-dev/go-coap/v3/message"
)

// ETag returns the first ETag option value, or nil if absent.
func (m *Message) ETag() []byte {
	v, err := m.Options.GetBytes(gocoap.ETag)
	if err != nil {
		return nil
	}
	return v
}

// MaxAgeSeconds returns the Max-Age option, or DefaultMaxAge if absent.
func (m *Message) MaxAgeSeconds() uint32 {
	v, err := m.Options.GetUint32(gocoap.MaxAge)
	if err != nil {
		return DefaultMaxAge
	}
	return v
}

// MaxAge returns the freshness lifetime of a response.
func (m *Message) MaxAge() time.Duration {
	return time.Duration(m.MaxAgeSeconds()) * time.Second
}

// Path returns the Uri-Path segments joined with "/", without a leading slash.
func (m *Message) Path() string {
	return m.joinOption(gocoap.URIPath, "/")
}

// Query returns the Uri-Query options joined with "&".
func (m *Message) Query() string {
	return m.joinOption(gocoap.URIQuery, "&")
}

func (m *Message) joinOption(id gocoap.OptionID, sep string) string {
	var parts []string
	for _, o := range m.Options {
		if o.ID == id {
			parts = append(parts, string(o.Value))
		}
	}
	return strings.Join(parts, sep)
}

// WithPath returns a copy with the Uri-Path options replaced by path.
func (m *Message) WithPath(path string) *Message {
	c := m.Clone()
	c.Options = c.removeOption(gocoap.URIPath)
	for _, seg := range strings.Split(strings.Trim(path, "/"), "/") {
		if seg == "" {
			continue
		}
		c.Options = insertOption(c.Options, gocoap.Option{ID: gocoap.URIPath, Value: []byte(seg)})
	}
	return c
}

// WithQuery returns a copy with the Uri-Query options replaced by query
// ("a=1&b=2").
func (m *Message) WithQuery(query string) *Message {
	c := m.Clone()
	c.Options = c.removeOption(gocoap.URIQuery)
	for _, q := range strings.Split(query, "&") {
		if q == "" {
			continue
		}
		c.Options = insertOption(c.Options, gocoap.Option{ID: gocoap.URIQuery, Value: []byte(q)})
	}
	return c
}

// WithETag returns a copy carrying a single ETag option.
func (m *Message) WithETag(etag []byte) *Message {
	c := m.Clone()
	c.Options = c.removeOption(gocoap.ETag)
	if len(etag) > 0 {
		c.Options = insertOption(c.Options, gocoap.Option{ID: gocoap.ETag, Value: cloneBytes(etag)})
	}
	return c
}

// WithMaxAge returns a copy carrying a Max-Age option of the given seconds.
func (m *Message) WithMaxAge(seconds uint32) *Message {
	return m.withUint32(gocoap.MaxAge, seconds)
}

// WithContentFormat returns a copy carrying a Content-Format option.
func (m *Message) WithContentFormat(mt gocoap.MediaType) *Message {
	return m.withUint32(gocoap.ContentFormat, uint32(mt))
}

func (m *Message) withUint32(id gocoap.OptionID, v uint32) *Message {
	c := m.Clone()
	c.Options = c.removeOption(id)
	buf := make([]byte, 4)
	n, err := gocoap.EncodeUint32(buf, v)
	if err != nil {
		return c
	}
	return c.withOption(gocoap.Option{ID: id, Value: buf[:n]})
}

func (m *Message) withOption(o gocoap.Option) *Message {
	m.Options = insertOption(m.Options, o)
	return m
}

func (m *Message) removeOption(id gocoap.OptionID) gocoap.Options {
	out := m.Options[:0:0]
	for _, o := range m.Options {
		if o.ID != id {
			out = append(out, o)
		}
	}
	return out
}

// insertOption keeps options sorted by ID, preserving the relative order of
// repeated options, as the encoder requires.
func insertOption(opts gocoap.Options, o gocoap.Option) gocoap.Options {
	opts = append(opts, o)
	sort.SliceStable(opts, func(i, j int) bool {
		return opts[i].ID < opts[j].ID
	})
	return opts
}
