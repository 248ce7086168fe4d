// Copyright 2020-2022 The OS-NVR Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package web

import (
	"bytes"
	"html/template"
	"net/http"
	"time"

	"stream2file/pkg/r2f"
	"stream2file/pkg/storage"
	"stream2file/web/templates"
)

// Templater renders the status page.
type Templater struct {
	tpl      *template.Template
	sessions func() []r2f.Status
	usage    func() (storage.DiskUsage, time.Duration)
	now      func() time.Time
}

// NewTemplater parses the status page template.
func NewTemplater(
	sessions func() []r2f.Status,
	usage func() (storage.DiskUsage, time.Duration),
) (*Templater, error) {
	t := &Templater{
		sessions: sessions,
		usage:    usage,
		now:      time.Now,
	}
	tpl, err := template.New("index").Funcs(template.FuncMap{
		"age": t.age,
	}).Parse(templates.PageFiles["index.tpl"])
	if err != nil {
		return nil, err
	}
	t.tpl = tpl
	return t, nil
}

func (t *Templater) age(ts time.Time) string {
	if ts.IsZero() {
		return "never"
	}
	return t.now().Sub(ts).Truncate(time.Second).String() + " ago"
}

// Render renders the status page.
func (t *Templater) Render() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		usage, _ := t.usage()
		data := struct {
			Sessions []r2f.Status
			Usage    storage.DiskUsage
		}{
			Sessions: t.sessions(),
			Usage:    usage,
		}

		var b bytes.Buffer
		if err := t.tpl.Execute(&b, data); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(b.Bytes()) //nolint:errcheck
	})
}
