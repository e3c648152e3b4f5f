package kv

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Every key starts with a one byte tag giving what kind of record it is.
const (
	MetaTag   = 'm'
	RowTag    = 'r'
	ExtentTag = 'x'
)

func appendUint64(buf []byte, u uint64) []byte {
	return binary.BigEndian.AppendUint64(buf, u)
}

// MetaKey is the key of the schema of table id.
func MetaKey(id uint64) []byte {
	return appendUint64([]byte{MetaTag}, id)
}

// RowKey is the key of the row image of key in table id.
func RowKey(id uint64, key []byte) []byte {
	buf := make([]byte, 0, 9+len(key))
	buf = appendUint64(append(buf, RowTag), id)
	return append(buf, key...)
}

// RowPrefix is the prefix shared by the row images of table id.
func RowPrefix(id uint64) []byte {
	return appendUint64([]byte{RowTag}, id)
}

func ExtentKey(spaceID uint32, extentID uint64) []byte {
	buf := binary.BigEndian.AppendUint32([]byte{ExtentTag}, spaceID)
	return appendUint64(buf, extentID)
}

func ExtentPrefix(spaceID uint32) []byte {
	return binary.BigEndian.AppendUint32([]byte{ExtentTag}, spaceID)
}

func TagPrefix(tag byte) []byte {
	return []byte{tag}
}

// ParseRowKey splits a row image key into the table id and the encoded row key.
func ParseRowKey(buf []byte) (uint64, []byte, error) {
	if len(buf) < 9 || buf[0] != RowTag {
		return 0, nil, errors.Errorf("kv: bad row key: %v", buf)
	}
	return binary.BigEndian.Uint64(buf[1:]), buf[9:], nil
}

func ParseMetaKey(buf []byte) (uint64, error) {
	if len(buf) != 9 || buf[0] != MetaTag {
		return 0, errors.Errorf("kv: bad meta key: %v", buf)
	}
	return binary.BigEndian.Uint64(buf[1:]), nil
}
