package testserver

import (
	"testing"

	"github.com/colinrgodsey/gorexec/pkg/storage"
)

func TestParseResourceName(t *testing.T) {
	want := storage.Digest{Hash: "deadbeef", Size: 123}
	tests := []struct {
		name         string
		resourceName string
		isWrite      bool
		wantComp     bool
		wantErr      bool
	}{
		{name: "read", resourceName: "blobs/deadbeef/123"},
		{name: "read compressed", resourceName: "compressed-blobs/zstd/deadbeef/123", wantComp: true},
		{name: "read with instance", resourceName: "instance/blobs/deadbeef/123"},
		{name: "read with nested instance", resourceName: "a/b/compressed-blobs/zstd/deadbeef/123", wantComp: true},
		{name: "read missing size", resourceName: "blobs/deadbeef", wantErr: true},
		{name: "read non-hex hash", resourceName: "blobs/xyz/123", wantErr: true},
		{name: "read unknown compressor", resourceName: "compressed-blobs/brotli/deadbeef/123", wantErr: true},
		{name: "read of upload name", resourceName: "uploads/uuid/blobs/deadbeef/123x", wantErr: true},

		{name: "write", resourceName: "uploads/uuid/blobs/deadbeef/123", isWrite: true},
		{name: "write compressed", resourceName: "uploads/uuid/compressed-blobs/zstd/deadbeef/123", isWrite: true, wantComp: true},
		{name: "write with instance", resourceName: "instance/uploads/uuid/blobs/deadbeef/123", isWrite: true},
		{name: "write compressed with instance", resourceName: "instance/uploads/uuid/compressed-blobs/zstd/deadbeef/123", isWrite: true, wantComp: true},
		{name: "write without uuid", resourceName: "uploads/blobs/deadbeef/123", isWrite: true, wantErr: true},
		{name: "write of read name", resourceName: "blobs/deadbeef/123", isWrite: true, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotDigest, gotComp, err := parseResourceName(tt.resourceName, tt.isWrite)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseResourceName() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if gotDigest != want {
				t.Errorf("parseResourceName() gotDigest = %v, want %v", gotDigest, want)
			}
			if gotComp != tt.wantComp {
				t.Errorf("parseResourceName() gotComp = %v, want %v", gotComp, tt.wantComp)
			}
		})
	}
}
