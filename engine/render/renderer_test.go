package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jung-kurt/gofpdf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkflow/inkflow/engine/core"
	"github.com/inkflow/inkflow/engine/fields"
	"github.com/inkflow/inkflow/engine/request"
)

type fakeBlobStore struct {
	objects  map[string][]byte
	fetchErr error
	storeErr error
	stored   map[string][]byte
}

func newFakeBlobStore(t *testing.T) *fakeBlobStore {
	t.Helper()
	return &fakeBlobStore{
		objects: map[string][]byte{"docs/source.pdf": sourcePDF(t, 2)},
		stored:  make(map[string][]byte),
	}
}

// sourcePDF builds a small multi-page document to stand in for an uploaded one.
func sourcePDF(t *testing.T, pages int) []byte {
	t.Helper()
	pdf := gofpdf.New("P", "pt", "A4", "")
	pdf.SetFont("Helvetica", "", 12)
	for i := 1; i <= pages; i++ {
		pdf.AddPage()
		pdf.Text(72, 72, fmt.Sprintf("source page %d", i))
	}
	var buf bytes.Buffer
	require.NoError(t, pdf.Output(&buf))
	return buf.Bytes()
}

func (f *fakeBlobStore) FetchBytes(_ context.Context, ref string) ([]byte, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	data, ok := f.objects[ref]
	if !ok {
		return nil, errors.New("object not found")
	}
	return data, nil
}

func (f *fakeBlobStore) StoreBytes(_ context.Context, data []byte, key string) (string, error) {
	if f.storeErr != nil {
		return "", f.storeErr
	}
	f.stored[key] = data
	return key, nil
}

func testInstances() []fields.Instance {
	return []fields.Instance{
		{
			FieldID:     "name",
			Type:        fields.TypeName,
			Position:    fields.Position{X: 72, Y: 120, Page: 1},
			SignerEmail: "a@example.com",
			Text:        "Ada Lovelace",
		},
		{
			FieldID:     "date",
			Type:        fields.TypeDate,
			Position:    fields.Position{X: 72, Y: 160, Page: 2},
			SignerEmail: "a@example.com",
			Text:        "Mar 14, 2026",
		},
	}
}

func testRequest() *request.SigningRequest {
	return &request.SigningRequest{
		ID:          core.MustNewID(),
		Title:       "Lease Agreement",
		DocumentRef: "docs/source.pdf",
	}
}

func TestRenderer_Render(t *testing.T) {
	ctx := context.Background()

	t.Run("Should overlay fields onto the source pages and store a dated artifact", func(t *testing.T) {
		blobs := newFakeBlobStore(t)
		r := NewRenderer(blobs)

		ref, err := r.Render(ctx, testRequest(), testInstances())
		require.NoError(t, err)
		require.Len(t, blobs.stored, 1)
		assert.Regexp(t, `^signed/\d{4}/\d{2}/\d{2}/.+\.pdf$`, ref)
		assert.True(t, bytes.HasPrefix(blobs.stored[ref], []byte("%PDF")))
	})
	t.Run("Should fail as a render failure when the source is missing", func(t *testing.T) {
		blobs := newFakeBlobStore(t)
		r := NewRenderer(blobs)
		req := testRequest()
		req.DocumentRef = "docs/gone.pdf"

		_, err := r.Render(ctx, req, testInstances())
		require.Error(t, err)
		assert.Equal(t, core.ErrCodeRenderFailure, core.CodeOf(err))
		assert.Empty(t, blobs.stored)
	})
	t.Run("Should fail as a render failure on a malformed source document", func(t *testing.T) {
		blobs := newFakeBlobStore(t)
		blobs.objects["docs/source.pdf"] = []byte("%PDF-1.4 not really a pdf")
		r := NewRenderer(blobs)

		_, err := r.Render(ctx, testRequest(), testInstances())
		require.Error(t, err)
		assert.Equal(t, core.ErrCodeRenderFailure, core.CodeOf(err))
		assert.Empty(t, blobs.stored)
	})
	t.Run("Should fail as a render failure when storing breaks", func(t *testing.T) {
		blobs := newFakeBlobStore(t)
		blobs.storeErr = errors.New("bucket unavailable")
		r := NewRenderer(blobs)

		_, err := r.Render(ctx, testRequest(), testInstances())
		require.Error(t, err)
		assert.Equal(t, core.ErrCodeRenderFailure, core.CodeOf(err))
	})
	t.Run("Should render the source pages with no field instances at all", func(t *testing.T) {
		blobs := newFakeBlobStore(t)
		r := NewRenderer(blobs)

		ref, err := r.Render(ctx, testRequest(), nil)
		require.NoError(t, err)
		assert.NotEmpty(t, blobs.stored[ref])
	})
	t.Run("Should drop instances addressing pages the source does not have", func(t *testing.T) {
		blobs := newFakeBlobStore(t)
		r := NewRenderer(blobs)
		instances := append(testInstances(), fields.Instance{
			FieldID:  "stray",
			Type:     fields.TypeName,
			Position: fields.Position{X: 72, Y: 120, Page: 9},
			Text:     "never placed",
		})

		ref, err := r.Render(ctx, testRequest(), instances)
		require.NoError(t, err)
		assert.NotEmpty(t, blobs.stored[ref])
	})
}
