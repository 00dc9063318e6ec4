package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// A streamswitch config lists groups and producers; anything larger or
// deeper than this is not one.
const (
	maxLayerSize = 1 << 20
	maxNesting   = 32
	maxEnvLen    = 4096
)

type fileFormat int

const (
	formatJSON fileFormat = iota
	formatYAML
)

// formatOf picks the layer format from the file extension.
func formatOf(path string) (fileFormat, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return formatJSON, nil
	case ".yaml", ".yml":
		return formatYAML, nil
	default:
		return 0, fmt.Errorf("config files must be .json, .yaml or .yml: %s", path)
	}
}

// checkLayerPath rejects paths that climb out through "..".
func checkLayerPath(path string) error {
	if path == "" {
		return fmt.Errorf("empty config path")
	}
	if slices.Contains(strings.Split(filepath.ToSlash(path), "/"), "..") {
		return fmt.Errorf("config path may not contain '..': %s", path)
	}
	_, err := formatOf(path)
	return err
}

// readLayer reads one config layer and decodes it into a generic map.
func readLayer(path string) (map[string]any, error) {
	if err := checkLayerPath(path); err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("not a regular file: %s", path)
	}
	if info.Size() > maxLayerSize {
		return nil, fmt.Errorf("config file is %d bytes, limit %d", info.Size(), maxLayerSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	format, _ := formatOf(path)
	var raw map[string]any
	if format == formatYAML {
		var node yaml.Node
		if err := yaml.Unmarshal(data, &node); err != nil {
			return nil, err
		}
		if d := yamlDepth(&node); d > maxNesting {
			return nil, fmt.Errorf("config nested %d levels deep, limit %d", d, maxNesting)
		}
		if err := node.Decode(&raw); err != nil {
			return nil, err
		}
		return raw, nil
	}

	if err := checkJSONNesting(data); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// checkJSONNesting walks the token stream and fails once objects and arrays
// nest deeper than maxNesting.
func checkJSONNesting(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	depth := 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch tok {
		case json.Delim('{'), json.Delim('['):
			depth++
			if depth > maxNesting {
				return fmt.Errorf("config nested more than %d levels deep", maxNesting)
			}
		case json.Delim('}'), json.Delim(']'):
			depth--
		}
	}
}

func yamlDepth(n *yaml.Node) int {
	deepest := 0
	for _, child := range n.Content {
		deepest = max(deepest, yamlDepth(child))
	}
	if n.Kind == yaml.MappingNode || n.Kind == yaml.SequenceNode {
		return deepest + 1
	}
	return deepest
}

// writeLayer replaces path atomically. The file is owner-only since it may
// carry NATS credentials and webhook headers.
func writeLayer(path string, data []byte) error {
	if err := checkLayerPath(path); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// envValue reads an override variable, rejecting values no setting accepts.
func envValue(key string) (string, error) {
	val := os.Getenv(key)
	if len(val) > maxEnvLen {
		return "", fmt.Errorf("%s is %d bytes, limit %d", key, len(val), maxEnvLen)
	}
	if strings.ContainsRune(val, 0) {
		return "", fmt.Errorf("%s contains a NUL byte", key)
	}
	return val, nil
}
