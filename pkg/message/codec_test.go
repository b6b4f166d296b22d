package message

import (
	"bytes"
	"errors"
	"testing"

	"github.com/plgd-dev/go-coap/v3/message/codes"
)

func TestMarshalUnmarshal(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
	}{
		{
			name: "empty ack",
			msg:  NewEmptyAck(0x1234),
		},
		{
			name: "reset",
			msg:  NewReset(7),
		},
		{
			name: "confirmable get with token and path",
			msg: func() *Message {
				m := NewRequest(Confirmable, codes.GET, "/sensors/temp")
				m.MessageID = 7
				m.Token = []byte{0xAA, 0xBB}
				return m.WithQuery("unit=c")
			}(),
		},
		{
			name: "more options than the initial buffer",
			msg: func() *Message {
				m := NewRequest(Confirmable, codes.PUT, "/a/b/c/d/e/f/g/h/i/j/k/l/m/n/o/p/q/r/s/t")
				m.MessageID = 0xBEEF
				m.Token = []byte("tok")
				m.Payload = []byte("v")
				return m.WithQuery("x=1").WithETag([]byte{9, 9}).WithMaxAge(5)
			}(),
		},
		{
			name: "piggy-backed response with payload",
			msg: func() *Message {
				req := &Message{MessageID: 9, Token: []byte("T"), Type: Confirmable, Code: codes.GET}
				return NewPiggyBackedResponse(req, codes.Content, []byte("22.5")).
					WithETag([]byte{1, 2, 3, 4}).
					WithMaxAge(30)
			}(),
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			data, err := tc.msg.Marshal()
			if err != nil {
				t.Fatalf("Marshal() error: %v", err)
			}

			got, err := Unmarshal(data)
			if err != nil {
				t.Fatalf("Unmarshal() error: %v", err)
			}

			if got.MessageID != tc.msg.MessageID {
				t.Errorf("MessageID = %d, want %d", got.MessageID, tc.msg.MessageID)
			}
			if got.Type != tc.msg.Type {
				t.Errorf("Type = %v, want %v", got.Type, tc.msg.Type)
			}
			if got.Code != tc.msg.Code {
				t.Errorf("Code = %v, want %v", got.Code, tc.msg.Code)
			}
			if !bytes.Equal(got.Token, tc.msg.Token) {
				t.Errorf("Token = %x, want %x", got.Token, tc.msg.Token)
			}
			if !bytes.Equal(got.Payload, tc.msg.Payload) {
				t.Errorf("Payload = %q, want %q", got.Payload, tc.msg.Payload)
			}
			if got.Path() != tc.msg.Path() {
				t.Errorf("Path() = %q, want %q", got.Path(), tc.msg.Path())
			}
			if got.Query() != tc.msg.Query() {
				t.Errorf("Query() = %q, want %q", got.Query(), tc.msg.Query())
			}
			if !bytes.Equal(got.ETag(), tc.msg.ETag()) {
				t.Errorf("ETag() = %x, want %x", got.ETag(), tc.msg.ETag())
			}
			if got.MaxAgeSeconds() != tc.msg.MaxAgeSeconds() {
				t.Errorf("MaxAgeSeconds() = %d, want %d", got.MaxAgeSeconds(), tc.msg.MaxAgeSeconds())
			}
		})
	}
}

func TestUnmarshalRequestWithPath(t *testing.T) {
	req := NewRequest(Confirmable, codes.GET, "echo")
	req.MessageID = 7
	req.Token = []byte("T")
	data, err := req.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal(%x) error = %v", data, err)
	}
	if got.Path() != "echo" {
		t.Errorf("Path() = %q, want echo", got.Path())
	}
	if !got.IsRequest() || got.Code != codes.GET || got.MessageID != 7 {
		t.Errorf("Unmarshal() = %v, want CON GET mid=7", got)
	}
}

func TestUnmarshalHeaderErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"too short", []byte{0x40, 0x01}, ErrMessageTooShort},
		{"bad version", []byte{0x00, 0x01, 0x00, 0x01}, ErrInvalidVersion},
		{"token length 9", []byte{0x49, 0x01, 0x00, 0x01}, ErrInvalidToken},
		{"truncated token", []byte{0x42, 0x01, 0x00, 0x01, 0xAA}, ErrMessageTooShort},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Unmarshal(tc.data)
			if !errors.Is(err, tc.want) {
				t.Errorf("Unmarshal() error = %v, want %v", err, tc.want)
			}
			if _, ok := IsOptionError(err); ok {
				t.Error("header errors must not be option errors")
			}
		})
	}
}

func TestUnmarshalOptionErrorKeepsHeader(t *testing.T) {
	// CON GET mid=0x0102 token=0xAB, followed by an option byte using the
	// reserved delta nibble 15 without being a payload marker.
	data := []byte{0x41, 0x01, 0x01, 0x02, 0xAB, 0xF1, 0x00}

	_, err := Unmarshal(data)
	oe, ok := IsOptionError(err)
	if !ok {
		t.Fatalf("Unmarshal() error = %v, want *OptionError", err)
	}
	if oe.Header.MessageID != 0x0102 {
		t.Errorf("Header.MessageID = %#x, want 0x0102", oe.Header.MessageID)
	}
	if oe.Header.Type != Confirmable {
		t.Errorf("Header.Type = %v, want CON", oe.Header.Type)
	}
	if !bytes.Equal(oe.Header.Token, []byte{0xAB}) {
		t.Errorf("Header.Token = %x, want ab", oe.Header.Token)
	}
}

func TestMarshalRejectsLongToken(t *testing.T) {
	m := &Message{Type: Confirmable, Code: codes.GET, Token: make([]byte, 9)}
	if _, err := m.Marshal(); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Marshal() error = %v, want ErrInvalidToken", err)
	}
}
