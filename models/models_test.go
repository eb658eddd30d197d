package models

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestRegistry(t *testing.T) {
	seg := Recommended(KindSegmentation)
	emb := Recommended(KindEmbedding)
	if seg == nil || emb == nil {
		t.Fatal("recommended models missing")
	}
	if !seg.IsArchive {
		t.Error("segmentation model ships as an archive")
	}
	if GetModelByID(emb.ID) == nil {
		t.Errorf("GetModelByID(%q) = nil", emb.ID)
	}
	if GetModelByID("nope") != nil {
		t.Error("unknown id should be nil")
	}
	if n := len(GetModelsByKind(KindEmbedding)); n < 2 {
		t.Errorf("embedding models = %d", n)
	}
}

func tarball(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, body := range files {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0644, Size: int64(len(body)), Typeflag: tar.TypeReg}); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestExtractTarAndFindOnnx(t *testing.T) {
	dir := t.TempDir()
	data := tarball(t, map[string]string{
		"pyannote/README.md":       "x",
		"pyannote/model.onnx":      "fp32",
		"pyannote/model.int8.onnx": "int8",
	})
	if err := extractTar(bytes.NewReader(data), dir); err != nil {
		t.Fatal(err)
	}
	p, err := FindOnnxModelInDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(p) != "model.int8.onnx" {
		t.Errorf("found %s, want the int8 build", p)
	}

	if _, err := FindOnnxModelInDir(t.TempDir()); err == nil {
		t.Error("empty dir should fail")
	}
}

func TestExtractTar_RejectsTraversal(t *testing.T) {
	data := tarball(t, map[string]string{"../evil.onnx": "x"})
	if err := extractTar(bytes.NewReader(data), t.TempDir()); err == nil {
		t.Error("expected illegal path error")
	}
}

func TestDownloadFile(t *testing.T) {
	body := bytes.Repeat([]byte("a"), 1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Write(body)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "sub", "m.onnx")
	var last float64
	if err := DownloadFile(context.Background(), srv.URL+"/m", dest, 0, func(p float64) { last = p }); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(dest)
	if err != nil || len(got) != len(body) {
		t.Fatalf("downloaded %d bytes, %v", len(got), err)
	}
	if last != 100 {
		t.Errorf("last progress = %v", last)
	}

	bad := filepath.Join(t.TempDir(), "x.onnx")
	if err := DownloadFile(context.Background(), srv.URL+"/missing", bad, 0, nil); err == nil {
		t.Error("expected bad status error")
	}
	if _, err := os.Stat(bad + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}
}

func TestManager_ResolveAndStates(t *testing.T) {
	m, err := NewManager(t.TempDir(), quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := m.Resolve("", ""); err == nil {
		t.Error("resolve should fail before download")
	}

	seg := Recommended(KindSegmentation)
	emb := Recommended(KindEmbedding)
	segDir := filepath.Join(m.Dir(), seg.ID, "inner")
	os.MkdirAll(segDir, 0755)
	os.WriteFile(filepath.Join(segDir, "model.onnx"), []byte("x"), 0644)
	os.WriteFile(filepath.Join(m.Dir(), emb.ID+".onnx"), []byte("x"), 0644)

	segPath, embPath, err := m.Resolve("", "")
	if err != nil {
		t.Fatal(err)
	}
	if segPath != filepath.Join(segDir, "model.onnx") || embPath != filepath.Join(m.Dir(), emb.ID+".onnx") {
		t.Errorf("paths = %s, %s", segPath, embPath)
	}

	downloaded := 0
	for _, s := range m.States() {
		if s.Status == ModelStatusDownloaded {
			downloaded++
		}
	}
	if downloaded != 2 {
		t.Errorf("downloaded = %d, want 2", downloaded)
	}

	if err := m.Delete(emb.ID); err != nil {
		t.Fatal(err)
	}
	if m.IsDownloaded(emb.ID) {
		t.Error("model still present after delete")
	}
	if err := m.CancelDownload(emb.ID); err == nil {
		t.Error("cancel without a download should fail")
	}
}
