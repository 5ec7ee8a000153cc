package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestList1(t *testing.T) {
	l := NewList[int]()
	for i := 0; i < 128; i++ {
		l.Add(0)
		if l.Size() != 1 {
			t.Fatal("wrong size")
		}
		if l.head == nil {
			t.Fatal("wrong head")
		}

		if l.RemoveFunc(func(v int) bool { return v == 0 }) != 1 {
			t.Fatal("wrong remove")
		}
		if l.Size() != 0 {
			t.Fatal("wrong size")
		}
		if l.head != nil || l.tail != nil {
			t.Fatal("wrong head")
		}
	}
}

func TestList2(t *testing.T) {
	l := NewList[int]()
	for i := 0; i < 128; i++ {
		l.Add(11)
		if l.RemoveIndex(0) != 11 {
			t.Fatal("wrong remove")
		}
		if l.Size() != 0 {
			t.Fatal("wrong size")
		}
		if l.head != nil {
			t.Fatal("wrong head")
		}
	}
}

func TestList3(t *testing.T) {
	l := NewList[int]()
	for i := 0; i < 10; i++ {
		l.Add(i)
	}
	if l.Size() != 10 {
		t.Fatal("wrong Size")
	}
	for i := 0; i < 10; i++ {
		if l.At(i) != i {
			t.Fatal("wrong At")
		}
	}

	removed := l.RemoveFunc(func(v int) bool { return v%2 == 0 })
	if removed != 5 {
		t.Fatalf("wrong remove count %d", removed)
	}
	for i := 0; i < 5; i++ {
		if l.At(i) != 2*i+1 {
			t.Fatal("wrong order after remove")
		}
	}
}

func TestListFIFO(t *testing.T) {
	assert := assert.New(t)

	l := NewList[string]()
	_, ok := l.PopFront()
	assert.False(ok)

	l.Add("b")
	l.Add("c")
	l.AddFront("a")

	v, ok := l.Front()
	assert.True(ok)
	assert.Equal("a", v)

	var xs []string
	for l.Size() > 0 {
		v, _ := l.PopFront()
		xs = append(xs, v)
	}
	assert.Equal([]string{"a", "b", "c"}, xs)
	assert.Nil(l.tail)

	l.Add("x")
	l.Clear()
	assert.Equal(0, l.Size())
	assert.Panics(func() { l.At(0) })
}
