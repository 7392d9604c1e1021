package main

import (
	"slices"
	"testing"
)

func TestBuildCommand(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    []string
		wantErr bool
	}{
		{
			name: "basic mount no options",
			args: []string{"mount.shadowfs", "/srv/data", "/mnt/b"},
			want: []string{"shadowfs", "/srv/data", "/mnt/b"},
		},
		{
			name: "bare flag option",
			args: []string{"mount.shadowfs", "/srv/data", "/mnt/b", "debug"},
			want: []string{"shadowfs", "/srv/data", "/mnt/b", "--debug"},
		},
		{
			name: "key=value option",
			args: []string{"mount.shadowfs", "/srv/data", "/mnt/b", "webaddr=:8000"},
			want: []string{"shadowfs", "/srv/data", "/mnt/b", "--webaddr", ":8000"},
		},
		{
			name: "mixed bare flag and key=value",
			args: []string{"mount.shadowfs", "/srv/data", "/mnt/b", "debug,access-log-dir=/var/log/shadowfs"},
			want: []string{"shadowfs", "/srv/data", "/mnt/b", "--access-log-dir", "/var/log/shadowfs", "--debug"},
		},
		{
			name: "underscore converted to dash",
			args: []string{"mount.shadowfs", "/srv/data", "/mnt/b", "record_file_access"},
			want: []string{"shadowfs", "/srv/data", "/mnt/b", "--record-file-access"},
		},
		{
			name: "from basename mount.fuse.shadowfs",
			args: []string{"mount.fuse.shadowfs", "/srv/data", "/mnt/b"},
			want: []string{"shadowfs", "/srv/data", "/mnt/b"},
		},
		{
			name: "derived from source# syntax",
			args: []string{"mount.fuseblk.", "shadowfs#/srv/data", "/mnt/b"},
			want: []string{"shadowfs", "/srv/data", "/mnt/b"},
		},
		{
			name: "explicit -t fuse.shadowfs",
			args: []string{"mount", "/srv/data", "/mnt/b", "-t", "fuse.shadowfs"},
			want: []string{"shadowfs", "/srv/data", "/mnt/b"},
		},
		{
			name: "unknown option ignored",
			args: []string{"mount.shadowfs", "/srv/data", "/mnt/b", "unknown-option,debug"},
			want: []string{"shadowfs", "/srv/data", "/mnt/b", "--debug"},
		},
		{
			name: "options alphabetically sorted",
			args: []string{"mount.shadowfs", "/srv/data", "/mnt/b", "webaddr=:8080,debug,cache"},
			want: []string{"shadowfs", "/srv/data", "/mnt/b", "--cache", "--debug", "--webaddr", ":8080"},
		},
		{
			name:    "empty source argument",
			args:    []string{"mount.shadowfs", "", "/mnt/b"},
			wantErr: true,
		},
		{
			name:    "empty mountpoint argument",
			args:    []string{"mount.shadowfs", "/srv/data", ""},
			wantErr: true,
		},
		{
			name:    "missing -t value",
			args:    []string{"mount", "/srv/data", "/mnt/b", "-t"},
			wantErr: true,
		},
		{
			name:    "source without # in generic mount helper",
			args:    []string{"mount.fuseblk.", "nosource", "/mnt/b"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			mh, err := NewMountHelper(tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewMountHelper() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}

			got := mh.BuildCommand()
			if !slices.Equal(got, tt.want) {
				t.Errorf("BuildCommand() = %v\nwant %v", got, tt.want)
			}
		})
	}
}
