package log

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

type patternFormatter struct {
	pattern string
	time    string
}

// Format expands %time, %level, %field and %msg in the pattern.
func (f *patternFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	output := f.pattern
	if output == "" {
		output = "%time [%level] %field %msg\n"
	}
	output = strings.Replace(output, "%time", entry.Time.Format(f.time), 1)
	output = strings.Replace(output, "%level", strings.ToUpper(entry.Level.String()), 1)
	output = strings.Replace(output, "%field", buildFields(entry), 1)
	output = strings.Replace(output, "%msg", entry.Message, 1)
	if !strings.HasSuffix(output, "\n") {
		output += "\n"
	}
	return []byte(output), nil
}

// buildFields renders entry data as sorted key=value pairs.
func buildFields(entry *logrus.Entry) string {
	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]string, 0, len(keys))
	for _, k := range keys {
		val := entry.Data[k]
		stringVal, ok := val.(string)
		if !ok {
			if err, isErr := val.(error); isErr {
				stringVal = err.Error()
			} else {
				stringVal = fmt.Sprint(val)
			}
		}
		fields = append(fields, k+"="+stringVal)
	}
	return strings.Join(fields, ",")
}
