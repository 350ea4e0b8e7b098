package runlog

import "fmt"

// Flatten collapses a nested configuration map into a single level, joining
// key paths with "/" and coercing every leaf to its printed form. A config
// like {"model": {"layers": 4}, "tag": "x"} becomes
// {"model/layers": "4", "tag": "x"}.
func Flatten(config map[string]any) map[string]string {
	flat := make(map[string]string)
	flattenInto(flat, "", config)
	return flat
}

func flattenInto(flat map[string]string, prefix string, config map[string]any) {
	for key, value := range config {
		path := key
		if prefix != "" {
			path = prefix + "/" + key
		}
		switch nested := value.(type) {
		case map[string]any:
			flattenInto(flat, path, nested)
		case map[string]string:
			for k, v := range nested {
				flat[path+"/"+k] = v
			}
		default:
			flat[path] = fmt.Sprint(value)
		}
	}
}
