package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/parsemd/internal/converter"
	"github.com/local/parsemd/internal/core"
)

func TestRunConvertsUnderResolvedExtension(t *testing.T) {
	cases := []struct {
		name      string
		filename  string
		inputType string
		payload   string
		want      string
	}{
		{"explicit extension on foreign name", "data.bin", "xlsx", "PK\x03\x04", "data.xlsx:office"},
		{"explicit html on text name", "page.txt", "html", "<p>hi</p>", "page.html:html"},
		{"sniffed html without extension", "page", "", "<!DOCTYPE html><html><body><p>hi</p></body></html>", "page.html:html"},
		{"office tag keeps matching extension", "deck.pptx", "office", "PK\x03\x04", "deck.pptx:office"},
		{"matching extension untouched", "memo.docx", "", "PK\x03\x04", "memo.docx:office"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conv := &fakeConverter{}
			b := &fakeBackend{}
			p := newTestPipeline(t, conv, b)

			opts := core.DefaultOptions()
			opts.InputType = tc.inputType
			res, err := p.Run(context.Background(), Request{Filename: tc.filename, Payload: []byte(tc.payload), Options: opts})
			require.NoError(t, err)
			assert.Equal(t, []string{tc.want}, conv.calls)
			assert.Equal(t, tc.filename, res.Filename)
			require.Len(t, b.seen, 1)
		})
	}
}

func TestRunPostsResolvedNameToGotenberg(t *testing.T) {
	var (
		mu     sync.Mutex
		posted []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hdr, err := r.FormFile("files")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		posted = append(posted, r.URL.Path+" "+hdr.Filename)
		mu.Unlock()
		_, _ = w.Write([]byte("%PDF-1.7 converted"))
	}))
	defer srv.Close()

	g, err := converter.NewGotenberg(srv.URL)
	require.NoError(t, err)
	b := &fakeBackend{}
	p := newTestPipeline(t, g, b)

	opts := core.DefaultOptions()
	opts.InputType = "xlsx"
	_, err = p.Run(context.Background(), Request{Filename: "data.bin", Payload: []byte("PK\x03\x04"), Options: opts})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/forms/libreoffice/convert data.xlsx"}, posted)
	require.Len(t, b.seen, 1)
	assert.Equal(t, "data.pdf", b.seen[0].filename)
}
