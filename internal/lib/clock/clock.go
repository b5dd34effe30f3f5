// Package clock абстрагирует источник текущего времени,
// чтобы в тестах можно было подставить фиксированные часы.
package clock

import "time"

// Clock возвращает текущее время.
type Clock interface {
	Now() time.Time
}

// System — системные часы.
type System struct{}

// Now возвращает time.Now().
func (System) Now() time.Time { return time.Now() }

// Fixed — часы, показывающие заранее заданное время. Используются в тестах.
type Fixed struct {
	T time.Time
}

// Now возвращает заданное время.
func (f Fixed) Now() time.Time { return f.T }
