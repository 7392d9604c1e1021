package main

const helpTextLong = `%s (%s) - FUSE mount helper

This program is a helper for the mount/fstab mechanism.
It is normally located in /sbin or another directory
searched by mount(8) for filesystem helpers, and is
not intended to be invoked directly by the end users.

Usage:
  %s source mountpoint [-o key[=value],key[=value],...]

For running the filesystem as another (e.g. unprivileged) user:
  %s source mountpoint -o setuid=USER[,key[=value],...]

Example (fstab entry):
  /srv/data   /mnt/shadowfs   shadowfs   allow_other,webaddr=:8000   0  0

Additional mount options to control mount helper behavior itself:
  setuid=USER (as username or UID; overrides executing user)

Filesystem-specific options need to be adapted into this format:
  --webaddr :8000 --record-file-access => webaddr=:8000,record-file-access

Note that FUSE mount helper events are printed to standard error (stderr).
Filesystem events are printed to %q (if it is writeable).`
