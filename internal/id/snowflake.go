// Package id issues server-side message identities.
package id

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
)

// Generator issues unique, roughly time-ordered ids.
type Generator interface {
	Next() int64
}

// Node is a snowflake Generator. Instances behind one backplane need
// distinct node ids.
type Node struct {
	node *snowflake.Node
}

// NewNode creates a Node for nodeID (0-1023).
func NewNode(nodeID int64) (*Node, error) {
	n, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", nodeID, err)
	}
	return &Node{node: n}, nil
}

// Next implements Generator.
func (n *Node) Next() int64 {
	return n.node.Generate().Int64()
}
