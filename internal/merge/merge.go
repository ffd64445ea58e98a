// Package merge builds new entity values out of partial updates.
// Neither function writes to its inputs.
package merge

// Shallow returns a new map holding base's keys overlaid with patch's keys.
func Shallow(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// Deep recursively merges sources into a copy of target, left to right.
// When both sides hold a map for a key the maps are merged; any other
// source value, nil included, replaces the target's.
func Deep(target map[string]any, sources ...map[string]any) map[string]any {
	out := Clone(target)
	for _, src := range sources {
		out = deepInto(out, src)
	}
	return out
}

// deepInto writes src into dst. dst must be owned by the caller.
func deepInto(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		srcMap, srcIsMap := v.(map[string]any)
		if !srcIsMap {
			dst[k] = v
			continue
		}
		if dstMap, ok := dst[k].(map[string]any); ok {
			// dstMap came from Clone or a previous deepInto, both owned
			dst[k] = deepInto(dstMap, srcMap)
			continue
		}
		dst[k] = Clone(srcMap)
	}
	return dst
}

// Clone copies m and every nested map[string]any. Slices and other values
// are shared.
func Clone(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = Clone(nested)
			continue
		}
		out[k] = v
	}
	return out
}
