// Package paginate cache la pagination par curseur derrière un itérateur "pull".
package paginate

import (
	"context"
	"errors"
)

// ErrStop peut être renvoyé par le callback de Each pour arrêter proprement.
var ErrStop = errors.New("paginate: stop")

// Page est une page de résultats. Cursor vide = dernière page.
type Page[T any] struct {
	Items  []T
	Cursor string
}

// FetchFunc récupère la page désignée par 'cursor' ("" pour la première).
type FetchFunc[T any] func(ctx context.Context, cursor string) (Page[T], error)

// Iterator parcourt une collection distante page par page.
// L'état (curseur, tampon) vit dans la struct : pas de reprise implicite,
// un nouvel Iterator repart de la première page.
type Iterator[T any] struct {
	fetch  FetchFunc[T]
	buf    []T
	cursor string
	cur    T
	pages  int
	done   bool
	err    error
}

func New[T any](fetch FetchFunc[T]) *Iterator[T] {
	return &Iterator[T]{fetch: fetch}
}

// Next avance d'un élément, en récupérant la page suivante si besoin.
func (it *Iterator[T]) Next(ctx context.Context) bool {
	for len(it.buf) == 0 {
		if it.done || it.err != nil {
			return false
		}
		// Après la première page, un curseur vide signifie la fin
		if it.pages > 0 && it.cursor == "" {
			it.done = true
			return false
		}
		page, err := it.fetch(ctx, it.cursor)
		if err != nil {
			it.err = err
			return false
		}
		it.pages++
		it.buf = page.Items
		it.cursor = page.Cursor
		if it.cursor == "" && len(it.buf) == 0 {
			it.done = true
			return false
		}
	}
	it.cur = it.buf[0]
	it.buf = it.buf[1:]
	return true
}

func (it *Iterator[T]) Item() T {
	return it.cur
}

func (it *Iterator[T]) Err() error {
	return it.err
}

// Pages retourne le nombre de pages récupérées jusqu'ici.
func (it *Iterator[T]) Pages() int {
	return it.pages
}

// Collect draine la collection. limit <= 0 : pas de borne.
// Avec une borne, on n'interroge plus de pages une fois la borne atteinte.
func Collect[T any](ctx context.Context, fetch FetchFunc[T], limit int) ([]T, error) {
	var out []T
	it := New(fetch)
	for it.Next(ctx) {
		out = append(out, it.Item())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, it.Err()
}

// Each appelle fn pour chaque élément. fn peut renvoyer ErrStop.
func Each[T any](ctx context.Context, fetch FetchFunc[T], fn func(T) error) error {
	it := New(fetch)
	for it.Next(ctx) {
		if err := fn(it.Item()); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
	}
	return it.Err()
}
