package correction

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"unicode"

	"github.com/pkg/errors"
)

// Parse reads a two-column correction table: raw coordinate then deviation in user units.
// Columns may be separated by tabs, spaces, commas or semicolons. Blank lines and lines starting
// with '#' are skipped, and a non-numeric first row is treated as a header.
func Parse(r io.Reader) ([]Point, error) {
	var points []Point
	sc := bufio.NewScanner(r)
	line, rows := 0, 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		rows++
		fields := strings.FieldsFunc(text, func(r rune) bool {
			return r == ',' || r == ';' || unicode.IsSpace(r)
		})
		if len(fields) != 2 {
			return nil, errors.Errorf("line %d: expected 2 columns, got %d", line, len(fields))
		}
		x, errX := strconv.ParseFloat(fields[0], 64)
		y, errY := strconv.ParseFloat(fields[1], 64)
		if errX != nil || errY != nil {
			if rows == 1 {
				continue
			}
			return nil, errors.Errorf("line %d: %q is not a pair of numbers", line, text)
		}
		if len(points) == MaxPoints {
			return nil, errors.Wrapf(ErrTableTooLarge, "line %d", line)
		}
		if n := len(points); n > 0 && x <= points[n-1].Coordinate {
			return nil, errors.Wrapf(ErrTableOutOfOrder, "line %d: coordinate %v follows %v", line, x, points[n-1].Coordinate)
		}
		points = append(points, Point{Coordinate: x, Deviation: y})
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "reading correction table")
	}
	return points, nil
}
