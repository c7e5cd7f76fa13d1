package documents

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	ttypes "github.com/aws/aws-sdk-go-v2/service/textract/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
)

type fakeS3 struct {
	objects map[string]string
	types   map[string]string
	pages   [][]string
	heads   []string
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	body, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:        io.NopCloser(strings.NewReader(body)),
		ContentType: aws.String(f.types[aws.ToString(in.Key)]),
	}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.heads = append(f.heads, aws.ToString(in.Key))
	if _, ok := f.objects[aws.ToString(in.Key)]; !ok {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	page := 0
	if in.ContinuationToken != nil {
		page = len(aws.ToString(in.ContinuationToken))
	}
	out := &s3.ListObjectsV2Output{}
	for _, key := range f.pages[page] {
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(key), Size: aws.Int64(10)})
	}
	if page+1 < len(f.pages) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(strings.Repeat("x", page+1))
	}
	return out, nil
}

type fakeOCR struct {
	calls int
	err   error
}

func (f *fakeOCR) DetectDocumentText(_ context.Context, in *textract.DetectDocumentTextInput, _ ...func(*textract.Options)) (*textract.DetectDocumentTextOutput, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if in.Document == nil || len(in.Document.Bytes) == 0 {
		return nil, errors.New("empty document")
	}
	return &textract.DetectDocumentTextOutput{Blocks: []ttypes.Block{
		{BlockType: ttypes.BlockTypePage},
		{BlockType: ttypes.BlockTypeLine, Text: aws.String("MRI BRAIN WITH CONTRAST")},
		{BlockType: ttypes.BlockTypeWord, Text: aws.String("MRI")},
		{BlockType: ttypes.BlockTypeLine, Text: aws.String("Impression: stable disease")},
	}}, nil
}

func binaryJSON(contentType, text string) string {
	return `{"resourceType":"Binary","id":"abc.1","contentType":"` + contentType + `","data":"` +
		base64.StdEncoding.EncodeToString([]byte(text)) + `"}`
}

func TestKey(t *testing.T) {
	s := NewStore(&fakeS3{}, nil, "bucket", "/prd/source/Binary/", zerolog.Nop())
	if got := s.Key("fxyz.abc.1"); got != "prd/source/Binary/fxyz_abc_1" {
		t.Fatalf("unexpected key %s", got)
	}
}

func TestExists(t *testing.T) {
	api := &fakeS3{objects: map[string]string{"Binary/b_1": "{}"}}
	s := NewStore(api, nil, "bucket", "Binary", zerolog.Nop())

	ok, err := s.Exists(context.Background(), "b.1")
	if err != nil || !ok {
		t.Fatalf("expected b.1 to exist, got %v %v", ok, err)
	}
	ok, err = s.Exists(context.Background(), "missing")
	if err != nil || ok {
		t.Fatalf("expected missing to be absent without error, got %v %v", ok, err)
	}
}

func TestFetchDecodesBinary(t *testing.T) {
	api := &fakeS3{objects: map[string]string{
		"Binary/abc_1": binaryJSON("text/html; charset=utf-8", "<p>Gross total resection</p>"),
	}}
	s := NewStore(api, nil, "bucket", "Binary", zerolog.Nop())

	bin, err := s.Fetch(context.Background(), "abc.1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bin.ID != "abc.1" || string(bin.Data) != "<p>Gross total resection</p>" {
		t.Fatalf("unexpected binary %+v", bin)
	}

	text, err := s.Text(context.Background(), bin)
	if err != nil || text != "Gross total resection" {
		t.Fatalf("unexpected text %q (%v)", text, err)
	}

	if _, err := s.Fetch(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFetchRawObject(t *testing.T) {
	api := &fakeS3{
		objects: map[string]string{"Binary/raw": "plain report text"},
		types:   map[string]string{"Binary/raw": "text/plain"},
	}
	bin, err := NewStore(api, nil, "bucket", "Binary", zerolog.Nop()).Fetch(context.Background(), "raw")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bin.ContentType != "text/plain" || string(bin.Data) != "plain report text" {
		t.Fatalf("unexpected raw binary %+v", bin)
	}
}

func TestDecodeBinaryErrors(t *testing.T) {
	if _, err := DecodeBinary([]byte(`{"resourceType":"Patient"}`)); !errors.Is(err, ErrInvalidBinary) {
		t.Fatalf("expected ErrInvalidBinary for wrong resource, got %v", err)
	}
	if _, err := DecodeBinary([]byte(`{"resourceType":"Binary","data":"***"}`)); !errors.Is(err, ErrInvalidBinary) {
		t.Fatalf("expected ErrInvalidBinary for bad base64, got %v", err)
	}

	wrapped := base64.StdEncoding.EncodeToString([]byte("line one and more"))
	bin, err := DecodeBinary([]byte(`{"resourceType":"Binary","data":"` + wrapped[:8] + `\n` + wrapped[8:] + `"}`))
	if err != nil || string(bin.Data) != "line one and more" {
		t.Fatalf("expected wrapped base64 to decode, got %v", err)
	}
}

func TestList(t *testing.T) {
	api := &fakeS3{pages: [][]string{
		{"prd/Binary/a", "prd/Binary/b"},
		{"prd/Binary/c"},
	}}
	s := NewStore(api, nil, "bucket", "prd/Binary", zerolog.Nop())

	all, err := s.List(context.Background(), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(all) != 3 || all[2].BinaryID != "c" || all[0].Size != 10 {
		t.Fatalf("unexpected objects %+v", all)
	}

	two, err := s.List(context.Background(), 2)
	if err != nil || len(two) != 2 {
		t.Fatalf("expected max to cap results, got %d (%v)", len(two), err)
	}
}

func TestTextHandling(t *testing.T) {
	ocr := &fakeOCR{}
	s := NewStore(&fakeS3{}, ocr, "bucket", "Binary", zerolog.Nop())
	ctx := context.Background()

	page := `<html><head><title>Note</title><style>p{color:red}</style></head><body>
<p>Operative   note</p><div>Extent: <b>gross total</b></div><script>var a = 1;</script>
<table><tr><td>WHO</td><td>grade 1</td></tr></table></body></html>`
	got, err := s.Text(ctx, &Binary{ContentType: "text/html", Data: []byte(page)})
	if err != nil {
		t.Fatalf("html: %v", err)
	}
	if got != "Operative note\nExtent: gross total\nWHO grade 1" {
		t.Fatalf("unexpected html text %q", got)
	}

	rtf := `{\rtf1\ansi{\fonttbl{\f0 Arial;}}\f0\fs24 Gross total resection\par Pathology: pilocytic\par}`
	got, err = s.Text(ctx, &Binary{ContentType: "application/rtf", Data: []byte(rtf)})
	if err != nil || got != "Gross total resection\nPathology: pilocytic" {
		t.Fatalf("unexpected rtf text %q (%v)", got, err)
	}

	got, err = s.Text(ctx, &Binary{ID: "scan", ContentType: "image/tiff", Data: []byte{0x49, 0x49}})
	if err != nil || got != "MRI BRAIN WITH CONTRAST\nImpression: stable disease" || ocr.calls != 1 {
		t.Fatalf("unexpected ocr text %q (%v)", got, err)
	}

	if _, err := s.Text(ctx, &Binary{ContentType: "application/zip"}); !errors.Is(err, ErrUnsupportedContent) {
		t.Fatalf("expected ErrUnsupportedContent, got %v", err)
	}

	noOCR := NewStore(&fakeS3{}, nil, "bucket", "Binary", zerolog.Nop())
	if _, err := noOCR.Text(ctx, &Binary{ContentType: "application/pdf"}); !errors.Is(err, ErrUnsupportedContent) {
		t.Fatalf("expected ErrUnsupportedContent without OCR, got %v", err)
	}
}

func TestOCRErrors(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		unsupported bool
	}{
		{"multi-page pdf", &smithy.GenericAPIError{Code: "UnsupportedDocumentException", Message: "Request has unsupported document format"}, true},
		{"typed exception", &ttypes.UnsupportedDocumentException{Message: aws.String("unsupported")}, true},
		{"throttled", &smithy.GenericAPIError{Code: "ProvisionedThroughputExceededException"}, false},
		{"network", errors.New("connection reset"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore(&fakeS3{}, &fakeOCR{err: tt.err}, "bucket", "Binary", zerolog.Nop())
			_, err := s.Text(context.Background(), &Binary{ID: "scan", ContentType: "application/pdf", Data: []byte("%PDF")})
			if err == nil {
				t.Fatalf("expected error")
			}
			if errors.Is(err, ErrUnsupportedContent) != tt.unsupported {
				t.Fatalf("unsupported = %v, want %v (%v)", !tt.unsupported, tt.unsupported, err)
			}
			if !tt.unsupported && !errors.Is(err, tt.err) {
				t.Fatalf("original error lost: %v", err)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := map[string]Handling{
		"text/plain; charset=utf-8": HandlePlain,
		"TEXT/HTML":                 HandleHTML,
		"text/rtf":                  HandleRTF,
		"image/jpeg":                HandleOCR,
		"video/mp4":                 HandleUnsupported,
	}
	for ct, want := range tests {
		if got := Classify(ct); got != want {
			t.Fatalf("Classify(%q) = %s, want %s", ct, got, want)
		}
	}
}
