package discovery

import (
	"reflect"
	"strings"
	"testing"
)

func TestServerTXTEncode(t *testing.T) {
	txt := ServerTXT{Resources: []string{"/temp", "echo", "proxy/temp"}}
	got := txt.Encode()
	want := []string{"txtvers=1", "rt=echo", "rt=proxy/temp", "rt=temp"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Encode() = %v, want %v", got, want)
	}
}

func TestServerTXTEncodeSkipsOversized(t *testing.T) {
	txt := ServerTXT{Resources: []string{strings.Repeat("a", 300), "ok"}}
	got := txt.Encode()
	if len(got) != 2 || got[1] != "rt=ok" {
		t.Errorf("Encode() = %v, want [txtvers=1 rt=ok]", got)
	}
}

func TestParseServerTXT(t *testing.T) {
	tests := []struct {
		name    string
		records []string
		want    []string
		wantErr error
	}{
		{"roundtrip", []string{"txtvers=1", "rt=a", "rt=b/c"}, []string{"a", "b/c"}, nil},
		{"ignores other keys", []string{"foo=bar", "flag", "rt=x"}, []string{"x"}, nil},
		{"empty value skipped", []string{"rt="}, nil, nil},
		{"missing key", []string{"=x"}, nil, ErrInvalidTXTRecord},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseServerTXT(tc.records)
			if err != tc.wantErr {
				t.Fatalf("ParseServerTXT() error = %v, want %v", err, tc.wantErr)
			}
			if !reflect.DeepEqual(got.Resources, tc.want) {
				t.Errorf("Resources = %v, want %v", got.Resources, tc.want)
			}
		})
	}
}

func TestParseTXT(t *testing.T) {
	got := ParseTXT([]string{"txtvers=1", "rt=a", "rt=b", "novalue", "=bad"})
	want := map[string]string{"txtvers": "1", "rt": "a"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ParseTXT() = %v, want %v", got, want)
	}
}
