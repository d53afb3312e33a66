package run

import (
	"encoding/json"
	"maps"
	"slices"
)

// Clone returns a deep copy that shares no mutable memory with r.
func (r *PipelineRun) Clone() *PipelineRun {
	if r == nil {
		return nil
	}
	c := *r
	c.Materials = r.Materials.clone()
	c.Assets = r.Assets.clone()
	c.AuditLog = slices.Clone(r.AuditLog)
	if r.Terminal != nil {
		t := *r.Terminal
		t.Hashtags = slices.Clone(r.Terminal.Hashtags)
		c.Terminal = &t
	}
	return &c
}

func (m Materials) clone() Materials {
	c := Materials{
		Keywords:    slices.Clone(m.Keywords),
		Description: m.Description,
	}
	if m.Files != nil {
		c.Files = make([]File, len(m.Files))
		for i, f := range m.Files {
			f.Data = slices.Clone(f.Data)
			c.Files[i] = f
		}
	}
	return c
}

func (a Assets) clone() Assets {
	var c Assets
	if a.Upload != nil {
		u := *a.Upload
		u.Stored = slices.Clone(a.Upload.Stored)
		c.Upload = &u
	}
	if a.Trend != nil {
		t := *a.Trend
		t.Trends = slices.Clone(a.Trend.Trends)
		t.Hashtags = slices.Clone(a.Trend.Hashtags)
		c.Trend = &t
	}
	if a.Analyze != nil {
		an := *a.Analyze
		an.Keywords = slices.Clone(a.Analyze.Keywords)
		an.Detail = json.RawMessage(slices.Clone([]byte(a.Analyze.Detail)))
		c.Analyze = &an
	}
	if a.Generate != nil {
		g := *a.Generate
		g.Metadata = cloneAnyMap(a.Generate.Metadata)
		c.Generate = &g
	}
	if a.Quality != nil {
		q := *a.Quality
		q.Components = maps.Clone(a.Quality.Components)
		c.Quality = &q
	}
	if a.Finalize != nil {
		f := *a.Finalize
		f.Hashtags = slices.Clone(a.Finalize.Hashtags)
		c.Finalize = &f
	}
	return c
}

// cloneAnyMap deep-copies decoded JSON metadata.
func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneAny(v)
	}
	return out
}

func cloneAny(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneAnyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneAny(e)
		}
		return out
	default:
		return v
	}
}
