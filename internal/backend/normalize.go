package backend

import "sort"

// Normalize folds the two response shapes layout engines produce into one Result.
// images is either a flat name->base64 mapping or {"results": {doc: {"images", "md_content"}}}.
func Normalize(sections []string, images map[string]any) Result {
	res := Result{Images: map[string]string{}}
	if len(sections) > 0 {
		res.Markdown = sections[0]
	}
	if images == nil {
		return res
	}

	results, nested := images["results"].(map[string]any)
	if !nested {
		copyImages(res.Images, images)
		return res
	}

	keys := make([]string, 0, len(results))
	for k := range results {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		doc, ok := results[k].(map[string]any)
		if !ok {
			continue
		}
		docImages, ok := doc["images"]
		if !ok {
			continue
		}
		if m, ok := docImages.(map[string]any); ok {
			copyImages(res.Images, m)
		}
		if md, ok := doc["md_content"].(string); ok {
			res.Markdown = md
		}
		break
	}
	return res
}

func copyImages(dst map[string]string, src map[string]any) {
	for name, v := range src {
		if s, ok := v.(string); ok {
			dst[name] = s
		}
	}
}
