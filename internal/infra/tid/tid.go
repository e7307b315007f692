// Package tid строит упорядоченные по времени ключи записей: 53 бита
// микросекундного времени и 10 бит идентификатора часов, различающего
// экземпляры воркера. Кодировка — сортируемый base32, 13 символов.
package tid

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

const (
	alphabet  = "234567abcdefghijklmnopqrstuvwxyz"
	length    = 13
	clockBits = 10
	// ClockIDMax — верхняя граница идентификатора часов.
	ClockIDMax = 1<<clockBits - 1
)

// RandomClockID выбирает случайный идентификатор часов для экземпляра
// процесса.
func RandomClockID() (uint16, error) {
	var buf [2]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("generate clock id: %w", err)
	}
	return binary.BigEndian.Uint16(buf[:]) & ClockIDMax, nil
}

// FromTime строит ключ из микросекундного времени и идентификатора
// часов. Ключи с большим временем сортируются строго позже.
func FromTime(unixMicros int64, clockID uint16) string {
	value := uint64(unixMicros)<<clockBits | uint64(clockID&ClockIDMax)
	var out [length]byte
	for i := length - 1; i >= 0; i-- {
		out[i] = alphabet[value&0x1f]
		value >>= 5
	}
	return string(out[:])
}
