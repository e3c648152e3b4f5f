package extent

// LayoutExtentHeader gives the offsets of the fields in an extent header. All integers are
// big endian. The page state bitmap follows the header.
var LayoutExtentHeader = struct {
	ExtentID  int
	StartPage int
	PageCount int
	Reserved  int
	Bitmap    int
}{
	ExtentID:  0,
	StartPage: 8,
	PageCount: 16,
	Reserved:  24,
	Bitmap:    32,
}

const (
	// HeaderSize is the number of bytes before the bitmap.
	HeaderSize = 32

	// MaxPageCount is the largest page count an extent may have, header page included.
	MaxPageCount = 1 << 31
)

func bitmapSize(dataPages int) int {
	return (dataPages + 3) / 4
}

// Size returns the number of bytes an extent with pageCount pages serializes to; pageCount
// must be between 1 and MaxPageCount.
func Size(pageCount uint64) int {
	if pageCount < 1 {
		return HeaderSize
	} else if pageCount > MaxPageCount {
		pageCount = MaxPageCount
	}
	return HeaderSize + bitmapSize(int(pageCount-1))
}
