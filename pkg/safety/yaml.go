package safety

import (
	"bytes"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// YAMLLimits bounds the resources a YAML document may consume.
type YAMLLimits struct {
	MaxFileSize  int64
	MaxDepth     int
	MaxNodes     int
	MaxKeyLength int
	MaxValueSize int64
}

// DefaultYAMLLimits returns limits suited to policy and config files.
func DefaultYAMLLimits() YAMLLimits {
	return YAMLLimits{
		MaxFileSize:  1024 * 1024, // 1MB
		MaxDepth:     20,
		MaxNodes:     10000,
		MaxKeyLength: 256,
		MaxValueSize: 64 * 1024,
	}
}

// SafeYAMLParser validates document shape before decoding it.
type SafeYAMLParser struct {
	limits YAMLLimits
}

func NewSafeYAMLParser(limits YAMLLimits) *SafeYAMLParser {
	return &SafeYAMLParser{limits: limits}
}

// Unmarshal checks size, depth, node count, key and value lengths, then
// decodes data into v.
func (p *SafeYAMLParser) Unmarshal(data []byte, v any) error {
	if int64(len(data)) > p.limits.MaxFileSize {
		return fmt.Errorf("yaml: %d bytes exceeds maximum %d", len(data), p.limits.MaxFileSize)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	var root yaml.Node
	if err := yaml.NewDecoder(bytes.NewReader(data)).Decode(&root); err != nil {
		return fmt.Errorf("yaml: %w", err)
	}
	check := &yamlChecker{limits: p.limits}
	if err := check.node(&root, 0); err != nil {
		return err
	}
	if err := root.Decode(v); err != nil {
		return fmt.Errorf("yaml: %w", err)
	}
	return nil
}

// UnmarshalReader reads at most MaxFileSize+1 bytes from r.
func (p *SafeYAMLParser) UnmarshalReader(r io.Reader, v any) error {
	data, err := io.ReadAll(io.LimitReader(r, p.limits.MaxFileSize+1))
	if err != nil {
		return fmt.Errorf("read yaml: %w", err)
	}
	return p.Unmarshal(data, v)
}

type yamlChecker struct {
	limits YAMLLimits
	nodes  int
}

func (c *yamlChecker) node(n *yaml.Node, depth int) error {
	if depth > c.limits.MaxDepth {
		return fmt.Errorf("yaml: nesting depth %d exceeds maximum %d", depth, c.limits.MaxDepth)
	}
	c.nodes++
	if c.nodes > c.limits.MaxNodes {
		return fmt.Errorf("yaml: node count exceeds maximum %d", c.limits.MaxNodes)
	}

	switch n.Kind {
	case yaml.DocumentNode:
		for _, child := range n.Content {
			if err := c.node(child, depth); err != nil {
				return err
			}
		}
	case yaml.MappingNode:
		if len(n.Content)%2 != 0 {
			return fmt.Errorf("yaml: malformed mapping")
		}
		for i := 0; i < len(n.Content); i += 2 {
			key, val := n.Content[i], n.Content[i+1]
			if len(key.Value) > c.limits.MaxKeyLength {
				return fmt.Errorf("yaml: key length %d exceeds maximum %d", len(key.Value), c.limits.MaxKeyLength)
			}
			if err := c.node(key, depth+1); err != nil {
				return err
			}
			if err := c.node(val, depth+1); err != nil {
				return err
			}
		}
	case yaml.SequenceNode:
		for _, child := range n.Content {
			if err := c.node(child, depth+1); err != nil {
				return err
			}
		}
	case yaml.ScalarNode:
		if int64(len(n.Value)) > c.limits.MaxValueSize {
			return fmt.Errorf("yaml: value of %d bytes exceeds maximum %d", len(n.Value), c.limits.MaxValueSize)
		}
	case yaml.AliasNode:
		// aliases are expanded on decode, so count their targets again
		if n.Alias != nil {
			if err := c.node(n.Alias, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}
