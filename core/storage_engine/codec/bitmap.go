package codec

// BitmapSize is the number of bytes a null bitmap over n entries occupies.
func BitmapSize(n int) int { return (n + 7) / 8 }

// SetNull marks entry i null. Bits are most-significant first within a byte.
func SetNull(bitmap []byte, i int) { bitmap[i/8] |= 0x80 >> (i % 8) }

func ClearNull(bitmap []byte, i int) { bitmap[i/8] &^= 0x80 >> (i % 8) }

func IsNull(bitmap []byte, i int) bool { return bitmap[i/8]&(0x80>>(i%8)) != 0 }
