// mautrix-telegram - A Matrix-Telegram puppeting bridge.
// Copyright (C) 2024 Sumner Evans
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// setTokens writes the appservice tokens into the raw config YAML, keeping
// the rest of the document and its comments intact.
func setTokens(rawConfig []byte, asToken, hsToken string) ([]byte, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(rawConfig, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	} else if len(doc.Content) == 0 {
		doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode}}}
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("config root is not a map")
	}
	appservice := mapChild(root, "appservice", yaml.MappingNode)
	if appservice.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("appservice section is not a map")
	}
	mapChild(appservice, "as_token", yaml.ScalarNode).SetString(asToken)
	mapChild(appservice, "hs_token", yaml.ScalarNode).SetString(hsToken)
	return yaml.Marshal(&doc)
}

// mapChild returns the value of key in a mapping node, adding an empty node of
// the given kind if the key is missing.
func mapChild(node *yaml.Node, key string, kind yaml.Kind) *yaml.Node {
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	value := &yaml.Node{Kind: kind}
	node.Content = append(node.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: key}, value)
	return value
}
