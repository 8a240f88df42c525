package ir

import (
	"fmt"
	"strings"
)

// GenGraphvizDotfile renders the block graph as a dot file.
func GenGraphvizDotfile(ir *IR) string {
	var sb strings.Builder
	sb.WriteString("strict digraph control_flow {\n")
	for _, b := range ir.IterBlocks() {
		blk := ir.Block(b)
		src := blk.Name

		exits := blk.Exits()
		if len(exits) == 0 { // block returns
			fmt.Fprintf(&sb, "  %s_%d -> exit;\n", src, int(b))
			continue
		}
		for _, exit := range exits {
			fmt.Fprintf(&sb, "  %s_%d -> %s_%d;\n", src, int(b), ir.Block(exit).Name, int(exit))
		}
	}
	sb.WriteString("}\n")
	return sb.String()
}
