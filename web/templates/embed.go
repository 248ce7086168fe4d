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

package templates

import (
	"embed"
	"log"
)

//go:embed *.tpl
var files embed.FS

// PageFiles page template files. map[fileName]fileText.
var PageFiles map[string]string

func init() {
	PageFiles = parseDir(".")
}

func parseDir(dir string) map[string]string {
	entries, err := files.ReadDir(dir)
	if err != nil {
		log.Fatalf("could not read templates: %v", err)
	}

	fileList := make(map[string]string)
	for _, entry := range entries {
		fileName := entry.Name()
		if entry.IsDir() || fileName[0] == '.' {
			continue
		}

		data, err := files.ReadFile(fileName)
		if err != nil {
			log.Fatalf("could not read file: %v", err)
		}
		fileList[fileName] = string(data)
	}
	return fileList
}
