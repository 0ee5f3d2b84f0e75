package spool

import (
	"errors"
	"os"
	"testing"
)

func openTemp(t *testing.T) (*Spool, string) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "spool-test-*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	s, err := Open(tmpDir)
	if err != nil {
		t.Fatalf("open spool: %v", err)
	}
	return s, tmpDir
}

func TestSpool_PutGet(t *testing.T) {
	s, _ := openTemp(t)
	defer s.Close()

	a := Attachment{Filename: "result.pdf", ContentType: "application/pdf", Data: []byte("%PDF-1.4")}
	if err := s.Put("jamb", a); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.Get("jamb")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Filename != a.Filename || string(got.Data) != string(a.Data) {
		t.Errorf("expected %+v, got %+v", a, got)
	}
}

func TestSpool_PutReplaces(t *testing.T) {
	s, _ := openTemp(t)
	defer s.Close()

	s.Put("jamb", Attachment{Filename: "first.pdf"})
	s.Put("jamb", Attachment{Filename: "second.pdf"})

	got, err := s.Get("jamb")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Filename != "second.pdf" {
		t.Errorf("expected second.pdf, got %s", got.Filename)
	}
}

func TestSpool_GetNotFound(t *testing.T) {
	s, _ := openTemp(t)
	defer s.Close()

	if _, err := s.Get("jamb"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSpool_Delete(t *testing.T) {
	s, _ := openTemp(t)
	defer s.Close()

	s.Put("jamb", Attachment{Filename: "x.pdf"})
	if err := s.Delete("jamb"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get("jamb"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.Delete("jamb"); err != nil {
		t.Errorf("expected deleting nothing to succeed, got %v", err)
	}
}

func TestSpool_SurvivesReopen(t *testing.T) {
	s, dir := openTemp(t)
	s.Put("waec", Attachment{Filename: "cert.png"})
	s.Put("jamb", Attachment{Filename: "result.pdf"})
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	services, err := s.Services()
	if err != nil {
		t.Fatalf("services: %v", err)
	}
	if len(services) != 2 || services[0] != "jamb" || services[1] != "waec" {
		t.Errorf("unexpected services %v", services)
	}
}

func TestSpool_InMemory(t *testing.T) {
	s, err := Open("")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	s.Put("jamb", Attachment{Filename: "a.txt", Data: []byte("a")})
	if got, err := s.Get("jamb"); err != nil || got.Filename != "a.txt" {
		t.Errorf("unexpected %+v %v", got, err)
	}
}
