package crypto

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/katzenpost/hpqc/kem/mlkem768"
	"github.com/sirupsen/logrus"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prevOut, prevLevel, prevFmt := logrus.StandardLogger().Out, logrus.GetLevel(), logrus.StandardLogger().Formatter
	logrus.SetOutput(&buf)
	logrus.SetLevel(logrus.DebugLevel)
	logrus.SetFormatter(&logrus.TextFormatter{DisableColors: true, DisableTimestamp: true})
	t.Cleanup(func() {
		logrus.SetOutput(prevOut)
		logrus.SetLevel(prevLevel)
		logrus.SetFormatter(prevFmt)
	})
	return &buf
}

func TestNewLogger(t *testing.T) {
	fields := NewLogger("EncryptFor").Fields()
	if fields["function"] != "EncryptFor" {
		t.Errorf("function = %v, want EncryptFor", fields["function"])
	}
	if fields["package"] != "crypto" {
		t.Errorf("package = %v, want crypto", fields["package"])
	}
}

func TestLoggerChaining(t *testing.T) {
	buf := captureLogs(t)

	NewLogger("DecryptFrom").
		WithField("peer_id", "abc").
		WithSuite(mlkem768.Scheme()).
		WithError(errors.New("boom"), "decapsulate").
		Warn("decryption failed")

	out := buf.String()
	for _, want := range []string{
		"function=DecryptFrom",
		"package=crypto",
		"peer_id=abc",
		"suite=" + suiteName(mlkem768.Scheme()),
		"error=boom",
		"operation=decapsulate",
		"decryption failed",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("log output %q missing %q", out, want)
		}
	}
}

func TestLoggerIsImmutable(t *testing.T) {
	base := NewLogger("base")
	_ = base.WithField("extra", 1).WithFields(logrus.Fields{"more": 2})
	if _, ok := base.Fields()["extra"]; ok {
		t.Error("WithField modified the base logger")
	}
	if _, ok := base.Fields()["more"]; ok {
		t.Error("WithFields modified the base logger")
	}
}

func TestLoggerWithCaller(t *testing.T) {
	caller, ok := NewLogger("TestLoggerWithCaller").WithCaller().Fields()["caller"].(string)
	if !ok || !strings.HasPrefix(caller, "logging_test.go:") {
		t.Errorf("caller = %v, want logging_test.go:<line>", caller)
	}
}

func TestLoggerLevels(t *testing.T) {
	buf := captureLogs(t)
	logger := NewLogger("levels")
	logger.Debug("d")
	logger.Info("i")
	logger.Warn("w")
	logger.Error("e")

	out := buf.String()
	for _, lvl := range []string{"level=debug", "level=info", "level=warning", "level=error"} {
		if !strings.Contains(out, lvl) {
			t.Errorf("missing %s in %q", lvl, out)
		}
	}
}

func TestFingerprint(t *testing.T) {
	secret := bytes.Repeat([]byte{0x22}, 32)

	tests := []struct {
		name   string
		data   []byte
		wantFP bool
	}{
		{"nil", nil, false},
		{"empty", []byte{}, true},
		{"secret", secret, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields := Fingerprint("key", tt.data)
			if fields["key_size"] != len(tt.data) {
				t.Errorf("size = %v, want %d", fields["key_size"], len(tt.data))
			}
			fp, ok := fields["key_fp"].(string)
			if ok != tt.wantFP {
				t.Fatalf("key_fp present = %v, want %v", ok, tt.wantFP)
			}
			if ok && len(fp) != 8 {
				t.Errorf("fingerprint %q, want 8 hex chars", fp)
			}
		})
	}

	a := Fingerprint("k", secret)["k_fp"]
	b := Fingerprint("k", append([]byte{}, secret...))["k_fp"]
	c := Fingerprint("k", secret[:31])["k_fp"]
	if a != b {
		t.Error("fingerprint is not deterministic")
	}
	if a == c {
		t.Error("different inputs share a fingerprint")
	}
}
