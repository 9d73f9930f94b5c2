package sandbox

import "sort"

// VolumeBinding maps a host path into the container.
type VolumeBinding struct {
	HostPath      string `json:"host_path"`
	ContainerPath string `json:"container_path"`
	// Mode is "ro" or "rw". Empty means "rw".
	Mode string `json:"mode,omitempty"`
}

func (v VolumeBinding) ReadOnly() bool { return v.Mode == "ro" }

// VolumeLayers holds the four binding layers, lowest priority first.
type VolumeLayers struct {
	// Global are process-wide readonly/readwrite mount defaults.
	Global []VolumeBinding
	// Static are the sandbox-type bindings from its registration.
	Static []VolumeBinding
	// Workdir is the primary session working-directory mount.
	Workdir []VolumeBinding
	// Session are per-session dynamic bindings, highest priority.
	Session []VolumeBinding
}

// MergeVolumes unions the four layers. When two layers bind the same
// container path the higher-priority layer wins outright; there is no
// merging of conflicting bindings at one path. The result is sorted by
// container path for deterministic container specs.
func MergeVolumes(layers VolumeLayers) []VolumeBinding {
	byPath := make(map[string]VolumeBinding)
	for _, layer := range [][]VolumeBinding{layers.Global, layers.Static, layers.Workdir, layers.Session} {
		for _, b := range layer {
			if b.ContainerPath == "" {
				continue
			}
			byPath[b.ContainerPath] = b
		}
	}

	out := make([]VolumeBinding, 0, len(byPath))
	for _, b := range byPath {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContainerPath < out[j].ContainerPath })
	return out
}

// VolumesCoveredBy reports whether every requested binding is already
// present, byte for byte, in the mounted set. Used to decide whether a
// pooled instance can serve a session that asked for extra volumes:
// containers cannot remount without a recreate.
func VolumesCoveredBy(requested, mounted []VolumeBinding) bool {
	have := make(map[string]VolumeBinding, len(mounted))
	for _, b := range mounted {
		have[b.ContainerPath] = b
	}
	for _, b := range requested {
		got, ok := have[b.ContainerPath]
		if !ok || got != b {
			return false
		}
	}
	return true
}
