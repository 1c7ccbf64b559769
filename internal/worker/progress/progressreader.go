package progress

import (
	"io"
	"math"
)

// Reader wraps an io.Reader and reports progress via a callback every time
// at least interval bytes were read since the last report.
type Reader struct {
	Reader     io.Reader
	Total      int64
	OnProgress func(read int64, total int64)

	totalRead      int64 // cumulative total
	lastReport     int64 // bytes since last report
	reportInterval int64 // bytes
}

func NewReader(r io.Reader, total int64, interval int64, cb func(read int64, total int64)) *Reader {
	return &Reader{
		Reader:         r,
		Total:          total,
		OnProgress:     cb,
		reportInterval: interval,
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if n > 0 {
		pr.totalRead += int64(n)
		pr.lastReport += int64(n)

		if pr.lastReport >= pr.reportInterval || pr.totalRead == pr.Total {
			if pr.OnProgress != nil {
				pr.OnProgress(pr.totalRead, pr.Total)
			}

			pr.lastReport = 0
		}
	}

	return n, err
}

// BytesRead returns the number of bytes read so far.
func (pr *Reader) BytesRead() int64 {
	return pr.totalRead
}

// Fraction returns done/total rounded to two decimals, clamped to [0, 1].
func Fraction(done, total int64) float64 {
	if total <= 0 {
		return 0
	}

	f := math.Round(float64(done)/float64(total)*100) / 100

	return math.Min(math.Max(f, 0), 1)
}
