package render

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/jung-kurt/gofpdf"
	"github.com/jung-kurt/gofpdf/contrib/gofpdi"
	"github.com/sethvargo/go-retry"

	"github.com/inkflow/inkflow/engine/core"
	"github.com/inkflow/inkflow/engine/fields"
	"github.com/inkflow/inkflow/engine/request"
	"github.com/inkflow/inkflow/pkg/logger"
)

// BlobStore is the object-storage contract the renderer depends on.
type BlobStore interface {
	FetchBytes(ctx context.Context, ref string) ([]byte, error)
	StoreBytes(ctx context.Context, data []byte, key string) (string, error)
}

const (
	fontFamily    = "Helvetica"
	fontSize      = 11.0
	signatureW    = 120.0
	signatureH    = 40.0
	fetchAttempts = 3
	fetchBackoff  = 200 * time.Millisecond

	// A4 in points, used when a source page carries no usable MediaBox.
	defaultPageW = 595.28
	defaultPageH = 841.89
)

// Renderer produces the final signed artifact by importing the source
// document's pages and overlaying resolved field instances onto them. The
// source document is never mutated; a failed render persists nothing.
type Renderer struct {
	blobs BlobStore
}

func NewRenderer(blobs BlobStore) *Renderer {
	return &Renderer{blobs: blobs}
}

// Render assembles and stores the signed document, returning its public ref.
// Any fetch, decode, overlay, or store failure aborts the whole render and is
// reported as a RenderFailure; unresolvable fields were already dropped by
// the mapper and never block the render.
func (r *Renderer) Render(
	ctx context.Context,
	req *request.SigningRequest,
	instances []fields.Instance,
) (string, error) {
	log := logger.FromContext(ctx)
	source, err := r.fetchSource(ctx, req.DocumentRef)
	if err != nil {
		return "", core.NewError(
			fmt.Errorf("fetching source document: %w", err),
			core.ErrCodeRenderFailure,
			map[string]any{"request_id": req.ID, "document_ref": req.DocumentRef},
		)
	}
	artifact, err := buildArtifact(req, source, instances)
	if err != nil {
		return "", core.NewError(
			fmt.Errorf("building signed document: %w", err),
			core.ErrCodeRenderFailure,
			map[string]any{"request_id": req.ID},
		)
	}
	key := signedDocumentKey()
	ref, err := r.storeArtifact(ctx, artifact, key)
	if err != nil {
		return "", core.NewError(
			fmt.Errorf("storing signed document: %w", err),
			core.ErrCodeRenderFailure,
			map[string]any{"request_id": req.ID, "key": key},
		)
	}
	log.Info("Signed document rendered",
		"request_id", req.ID, "fields", len(instances), "ref", ref)
	return ref, nil
}

// fetchSource retrieves the original document bytes, retrying transient
// storage failures with capped exponential backoff.
func (r *Renderer) fetchSource(ctx context.Context, ref string) ([]byte, error) {
	var data []byte
	backoff := retry.WithMaxRetries(fetchAttempts, retry.NewExponential(fetchBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		b, err := r.blobs.FetchBytes(ctx, ref)
		if err != nil {
			return retry.RetryableError(err)
		}
		data = b
		return nil
	})
	return data, err
}

func (r *Renderer) storeArtifact(ctx context.Context, data []byte, key string) (string, error) {
	var ref string
	backoff := retry.WithMaxRetries(fetchAttempts, retry.NewExponential(fetchBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		out, err := r.blobs.StoreBytes(ctx, data, key)
		if err != nil {
			return retry.RetryableError(err)
		}
		ref = out
		return nil
	})
	return ref, err
}

// buildArtifact imports every source page as a template and lays each field
// instance onto its page at the declared x/y. Instances addressing a page the
// source does not have are dropped. gofpdi reports parse failures by
// panicking, so the recover turns a broken source into a plain error.
func buildArtifact(
	req *request.SigningRequest,
	source []byte,
	instances []fields.Instance,
) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("importing source document: %v", r)
		}
	}()
	pdf := gofpdf.New("P", "pt", "A4", "")
	pdf.SetTitle(req.Title, true)
	pdf.SetFont(fontFamily, "", fontSize)

	importer := gofpdi.NewImporter()
	rs := io.ReadSeeker(bytes.NewReader(source))
	templates := map[int]int{
		1: importer.ImportPageFromStream(pdf, &rs, 1, "/MediaBox"),
	}
	sizes := importer.GetPageSizes()
	pages := len(sizes)
	for page := 2; page <= pages; page++ {
		templates[page] = importer.ImportPageFromStream(pdf, &rs, page, "/MediaBox")
	}

	byPage := make(map[int][]fields.Instance, pages)
	for _, inst := range instances {
		if inst.Position.Page < 1 || inst.Position.Page > pages {
			continue
		}
		byPage[inst.Position.Page] = append(byPage[inst.Position.Page], inst)
	}
	for page := 1; page <= pages; page++ {
		w, h := pageSize(sizes, page)
		pdf.AddPageFormat("P", gofpdf.SizeType{Wd: w, Ht: h})
		importer.UseImportedTemplate(pdf, templates[page], 0, 0, w, h)
		for i, inst := range byPage[page] {
			if inst.Type == fields.TypeSignature {
				name := fmt.Sprintf("sig-%d-%d", page, i)
				opts := gofpdf.ImageOptions{ImageType: "PNG"}
				pdf.RegisterImageOptionsReader(name, opts, bytes.NewReader(inst.ImagePNG))
				pdf.ImageOptions(name, inst.Position.X, inst.Position.Y,
					signatureW, signatureH, false, opts, 0, "")
				continue
			}
			pdf.Text(inst.Position.X, inst.Position.Y, inst.Text)
		}
	}
	if pdf.Err() {
		return nil, pdf.Error()
	}
	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func pageSize(sizes map[int]map[string]map[string]float64, page int) (float64, float64) {
	if box, ok := sizes[page]["/MediaBox"]; ok && box["w"] > 0 && box["h"] > 0 {
		return box["w"], box["h"]
	}
	return defaultPageW, defaultPageH
}

// signedDocumentKey builds a date-partitioned storage key for the artifact.
func signedDocumentKey() string {
	d := time.Now().UTC()
	return fmt.Sprintf("signed/%d/%02d/%02d/%s.pdf", d.Year(), d.Month(), d.Day(), uuid.New())
}
