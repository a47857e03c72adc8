// Package id issues time-ordered identifiers for connections and chats.
package id

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
)

// Generator produces snowflake ids for one node.
type Generator struct {
	node *snowflake.Node
}

// NewGenerator creates a generator for nodeID (0-1023). Distinct server nodes
// must use distinct ids to keep chat and connection ids globally unique.
func NewGenerator(nodeID int64) (*Generator, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", nodeID, err)
	}
	return &Generator{node: node}, nil
}

// ChatID returns a new conversation id.
func (g *Generator) ChatID() string {
	return "chat_" + g.node.Generate().Base58()
}

// ConnectionID returns a new socket connection id.
func (g *Generator) ConnectionID() string {
	return "conn_" + g.node.Generate().Base58()
}
