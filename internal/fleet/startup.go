package fleet

import (
	"bytes"
	"errors"
	"fmt"
	"path"
	"text/template"

	"github.com/kballard/go-shellquote"
)

// LauncherOpts describe a startup script that fetches one binary from the
// artifact bucket and execs it.
type LauncherOpts struct {
	Bucket string
	Object string
	Args   []string

	// Dir the binary is downloaded into.
	Dir string

	// Log receives the script's output in addition to the console.
	Log string

	// Once skips the launch on later boots.
	Once bool
}

var launcherTmpl = template.Must(template.New("launcher").Funcs(
	template.FuncMap{
		"quote": func(s string) string { return shellquote.Join(s) },
		"join":  func(args []string) string { return shellquote.Join(args...) },
	},
).Parse(`#!/bin/bash
set -euo pipefail
exec > >(tee -a {{ quote .Log }}) 2>&1
{{- if .Once }}
if [ -f {{ quote .Done }} ]; then
	echo "already launched"
	exit 0
fi
{{- end }}
mkdir -p {{ quote .Dir }}
until gcloud storage cp {{ quote .Source }} {{ quote .Binary }}; do
	sleep 5
done
chmod 0755 {{ quote .Binary }}
{{- if .Once }}
touch {{ quote .Done }}
{{- end }}
exec {{ quote .Binary }}{{ with .Args }} {{ join . }}{{ end }}
`))

// LauncherScript renders the startup script for opts.
func LauncherScript(opts LauncherOpts) (string, error) {
	if opts.Bucket == "" {
		return "", errors.New("missing bucket")
	}
	if opts.Object == "" {
		return "", errors.New("missing object")
	}
	if opts.Dir == "" {
		opts.Dir = "/opt/bootfleet"
	}
	if opts.Log == "" {
		opts.Log = "/var/log/bootfleet-startup.log"
	}
	binary := path.Join(opts.Dir, path.Base(opts.Object))
	data := struct {
		LauncherOpts
		Source string
		Binary string
		Done   string
	}{
		LauncherOpts: opts,
		Source:       fmt.Sprintf("gs://%s/%s", opts.Bucket, opts.Object),
		Binary:       binary,
		Done:         binary + ".launched",
	}
	var buf bytes.Buffer
	if err := launcherTmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute: %w", err)
	}
	return buf.String(), nil
}
