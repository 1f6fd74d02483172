package storage

import "testing"

func TestObjectURL(t *testing.T) {
	store := NewObjectStore(nil, "media", "https://cdn.example.com/")
	got := store.ObjectURL("hls/abc/master.m3u8")
	if got != "https://cdn.example.com/media/hls/abc/master.m3u8" {
		t.Fatalf("ObjectURL = %q", got)
	}

	withPath := NewObjectStore(nil, "media", "https://example.com/storage")
	if got := withPath.ObjectURL("hls/abc/master.m3u8"); got != "https://example.com/storage/media/hls/abc/master.m3u8" {
		t.Fatalf("ObjectURL = %q", got)
	}

	var disabled *ObjectStore
	if got := disabled.ObjectURL("x"); got != "" {
		t.Fatalf("nil store should yield empty url, got %q", got)
	}
}

func TestContentTypeFor(t *testing.T) {
	cases := map[string]string{
		"hls/id/master.m3u8":         "application/vnd.apple.mpegurl",
		"hls/id/720p/segment_001.ts": "video/mp2t",
		"videos/clip.MP4":            "video/mp4",
		"images/avatar.jpg":          "image/jpeg",
		"hls/id/notes.txt":           "application/octet-stream",
	}
	for name, want := range cases {
		if got := ContentTypeFor(name); got != want {
			t.Errorf("ContentTypeFor(%q) = %q, want %q", name, got, want)
		}
	}
}
