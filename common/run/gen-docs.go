package run

import (
	"bytes"
	"fmt"
	"io"

	"github.com/botlabs-gg/gamesched/common/config"
)

// GenConfigDocs writes the description, type, default and environment variable of every registered option
func GenConfigDocs(w io.Writer) error {
	var out bytes.Buffer

	for _, v := range config.Singleton.Sorted() {
		out.WriteString("**" + v.Description + "**")

		typeStr := ""
		def := ""
		switch t := v.DefaultValue.(type) {
		case string:
			typeStr = "string"
			def = t
		case bool:
			typeStr = "true/false"
			def = fmt.Sprint(t)
		case int, int64:
			typeStr = "number"
			def = fmt.Sprint(t)
		}

		if typeStr != "" {
			out.WriteString(" (" + typeStr)
			if def != "" {
				out.WriteString(", default: " + def)
			}
			out.WriteString(")")
		}
		out.WriteString("\n")

		out.WriteString(config.EnvKey(v.Name) + "\n\n")
	}

	_, err := w.Write(out.Bytes())
	return err
}
