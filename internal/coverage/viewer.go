package coverage

import (
	"fmt"
	"html/template"
	"io"
	"io/fs"
	"sort"

	"wubloader/web"
)

// viewerRow is one (channel, quality, hour) entry rendered in the viewer.
type viewerRow struct {
	Channel   string
	Quality   string
	Hour      string
	ImagePath string
}

type viewerData struct {
	RefreshSeconds int
	Hours          []viewerRow
}

// defaultRefreshSeconds is how often the viewer's <meta refresh> reloads the
// page, picking up newly written audit images.
const defaultRefreshSeconds = 10

// viewerTemplate is parsed once from the bundled web/static/coverage.html.
var viewerTemplate = mustParseViewerTemplate()

func mustParseViewerTemplate() *template.Template {
	fsys, err := web.Static()
	if err != nil {
		panic(fmt.Sprintf("coverage: load static assets: %v", err))
	}
	data, err := fs.ReadFile(fsys, "coverage.html")
	if err != nil {
		panic(fmt.Sprintf("coverage: read coverage.html: %v", err))
	}
	tmpl, err := template.New("coverage").Parse(string(data))
	if err != nil {
		panic(fmt.Sprintf("coverage: parse coverage.html: %v", err))
	}
	return tmpl
}

// RenderViewer writes the auto-refreshing HTML index for every known audit,
// sorted by channel, then quality, then hour.
func RenderViewer(w io.Writer, keys []HourKey) error {
	rows := make([]viewerRow, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, viewerRow{Channel: k.Channel, Quality: k.Quality, Hour: k.Hour, ImagePath: k.Filename()})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Channel != rows[j].Channel {
			return rows[i].Channel < rows[j].Channel
		}
		if rows[i].Quality != rows[j].Quality {
			return rows[i].Quality < rows[j].Quality
		}
		return rows[i].Hour < rows[j].Hour
	})
	return viewerTemplate.Execute(w, viewerData{RefreshSeconds: defaultRefreshSeconds, Hours: rows})
}
