package session

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestCredentialsRoundTrip(t *testing.T) {
	t.Parallel()
	sess := New(t.TempDir(), "inst-1")

	if sess.HasLocalMaterial() {
		t.Error("fresh session reports local material")
	}
	blob, err := sess.ReadCredentials()
	if err != nil {
		t.Fatalf("ReadCredentials: %v", err)
	}
	if blob != nil {
		t.Errorf("fresh session credentials = %q, want nil", blob)
	}

	want := []byte(`{"noiseKey":{},"registrationId":42}`)
	if err := sess.WriteCredentials(want); err != nil {
		t.Fatalf("WriteCredentials: %v", err)
	}
	if !sess.HasLocalMaterial() {
		t.Error("HasLocalMaterial false after write")
	}
	blob, err = sess.ReadCredentials()
	if err != nil {
		t.Fatalf("ReadCredentials: %v", err)
	}
	if !bytes.Equal(blob, want) {
		t.Errorf("credentials = %q, want %q", blob, want)
	}
}

func TestWriteCredentialsLeavesNoTempFile(t *testing.T) {
	t.Parallel()
	dataDir := t.TempDir()
	sess := New(dataDir, "inst-2")

	if err := sess.WriteCredentials([]byte(`{}`)); err != nil {
		t.Fatalf("WriteCredentials: %v", err)
	}
	entries, err := os.ReadDir(sess.Dir())
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Errorf("leftover temp file %s", e.Name())
		}
	}
}

func TestEmptyCredentialFileIsNotMaterial(t *testing.T) {
	t.Parallel()
	sess := New(t.TempDir(), "inst-3")
	if err := sess.WriteCredentials(nil); err != nil {
		t.Fatalf("WriteCredentials: %v", err)
	}
	if sess.HasLocalMaterial() {
		t.Error("zero-byte credential file counted as local material")
	}
}

func TestWipe(t *testing.T) {
	t.Parallel()
	sess := New(t.TempDir(), "inst-4")

	// Wiping a session that never wrote anything is fine.
	if err := sess.Wipe(); err != nil {
		t.Fatalf("Wipe on empty session: %v", err)
	}

	if err := sess.WriteCredentials([]byte(`{}`)); err != nil {
		t.Fatalf("WriteCredentials: %v", err)
	}
	if err := sess.WriteFeatures(map[string]string{"auto_reply": "on"}); err != nil {
		t.Fatalf("WriteFeatures: %v", err)
	}
	if err := sess.Wipe(); err != nil {
		t.Fatalf("Wipe: %v", err)
	}
	if sess.HasLocalMaterial() {
		t.Error("local material survives Wipe")
	}
	// Wipe removes only credentials; features stay.
	features, err := sess.ReadFeatures()
	if err != nil {
		t.Fatalf("ReadFeatures: %v", err)
	}
	if features["auto_reply"] != "on" {
		t.Errorf("features after wipe = %v", features)
	}
}

func TestRemove(t *testing.T) {
	t.Parallel()
	sess := New(t.TempDir(), "inst-5")
	if err := sess.WriteCredentials([]byte(`{}`)); err != nil {
		t.Fatalf("WriteCredentials: %v", err)
	}
	if err := sess.Remove(); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(sess.Dir()); !os.IsNotExist(err) {
		t.Errorf("session dir still present after Remove: %v", err)
	}
	// Removing again is a no-op.
	if err := sess.Remove(); err != nil {
		t.Errorf("second Remove: %v", err)
	}
}

func TestFeaturesRoundTrip(t *testing.T) {
	t.Parallel()
	sess := New(t.TempDir(), "inst-6")

	features, err := sess.ReadFeatures()
	if err != nil {
		t.Fatalf("ReadFeatures: %v", err)
	}
	if len(features) != 0 {
		t.Errorf("fresh features = %v, want empty", features)
	}

	want := map[string]string{"auto_reply": "on", "broadcast": "off"}
	if err := sess.WriteFeatures(want); err != nil {
		t.Fatalf("WriteFeatures: %v", err)
	}
	features, err = sess.ReadFeatures()
	if err != nil {
		t.Fatalf("ReadFeatures: %v", err)
	}
	if len(features) != 2 || features["auto_reply"] != "on" || features["broadcast"] != "off" {
		t.Errorf("features = %v, want %v", features, want)
	}
}
