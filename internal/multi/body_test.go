package multi

import (
	"bytes"
	"errors"
	"testing"
)

func feedAll(t *testing.T, d *bodyDecoder, input []byte, step int) (string, bool, error) {
	t.Helper()
	var out bytes.Buffer
	emit := func(p []byte) error {
		out.Write(p)
		return nil
	}
	done := false
	for len(input) > 0 {
		n := min(step, len(input))
		var err error
		done, err = d.feed(input[:n], emit)
		if err != nil {
			return out.String(), done, err
		}
		input = input[n:]
	}
	return out.String(), done, nil
}

func TestBodyDecoder_Chunked(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
		done  bool
	}{
		{name: "single chunk", input: "5\r\nhello\r\n0\r\n\r\n", want: "hello", done: true},
		{name: "several chunks", input: "3\r\nabc\r\n2\r\nde\r\n0\r\n\r\n", want: "abcde", done: true},
		{name: "extension and trailer", input: "4;name=x\r\nwxyz\r\n0\r\nX-Sum: 1\r\n\r\n", want: "wxyz", done: true},
		{name: "uppercase hex", input: "A\r\n0123456789\r\n0\r\n\r\n", want: "0123456789", done: true},
		{name: "bare LF", input: "2\nok\n0\n\n", want: "ok", done: true},
		{name: "truncated", input: "5\r\nhel", want: "hel", done: false},
	}

	for _, tt := range tests {
		for _, step := range []int{1, 3, len(tt.input)} {
			d := &bodyDecoder{mode: bodyChunked}
			got, done, err := feedAll(t, d, []byte(tt.input), step)
			if err != nil {
				t.Fatalf("%s (step %d): %v", tt.name, step, err)
			}
			if got != tt.want || done != tt.done {
				t.Errorf("%s (step %d): got %q done=%v, want %q done=%v", tt.name, step, got, done, tt.want, tt.done)
			}
		}
	}
}

func TestBodyDecoder_ChunkedMalformed(t *testing.T) {
	tests := []string{
		"zz\r\nabc\r\n",
		"3\r\nabcX\r\n",
		"-1\r\n",
	}
	for _, input := range tests {
		d := &bodyDecoder{mode: bodyChunked}
		if _, _, err := feedAll(t, d, []byte(input), len(input)); !errors.Is(err, ErrMalformedResponse) {
			t.Errorf("%q: expected ErrMalformedResponse, got %v", input, err)
		}
	}
}

func TestBodyDecoder_LengthIgnoresExcess(t *testing.T) {
	d := &bodyDecoder{mode: bodyLength, remaining: 4}
	got, done, err := feedAll(t, d, []byte("abcdefgh"), 3)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if got != "abcd" || !done {
		t.Errorf("got %q done=%v", got, done)
	}
	if err := d.eof(); err != nil {
		t.Errorf("expected complete body, got %v", err)
	}
}

func TestBodyDecoder_EOF(t *testing.T) {
	tests := []struct {
		name    string
		decoder bodyDecoder
		partial bool
	}{
		{name: "until close", decoder: bodyDecoder{mode: bodyUntilClose}},
		{name: "length short", decoder: bodyDecoder{mode: bodyLength, remaining: 2}, partial: true},
		{name: "chunked open", decoder: bodyDecoder{mode: bodyChunked}, partial: true},
		{name: "chunked done", decoder: bodyDecoder{mode: bodyChunked, chunked: chunkedDecoder{state: chunkDone}}},
	}
	for _, tt := range tests {
		err := tt.decoder.eof()
		if got := errors.Is(err, ErrPartialBody); got != tt.partial {
			t.Errorf("%s: eof() = %v, want partial=%v", tt.name, err, tt.partial)
		}
	}
}

func TestBodyDecoder_SinkErrorStops(t *testing.T) {
	sinkErr := errors.New("disk full")
	d := &bodyDecoder{mode: bodyUntilClose}
	_, err := d.feed([]byte("x"), func([]byte) error { return sinkErr })
	if !errors.Is(err, sinkErr) {
		t.Fatalf("expected sink error, got %v", err)
	}
}
