// Package setmode parses the textual file-mode grammar used in manifests:
// plain octal strings and the BSD symbolic form ("u+rwx,go-w", "a=rX",
// "755").
package setmode

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
)

// Permission bit groups, in who order.
const (
	bitsUser  = 0o4700 // rwx + setuid
	bitsGroup = 0o2070 // rwx + setgid
	bitsOther = 0o1007 // rwx + sticky
)

// Parse interprets s as an octal literal or a symbolic mode clause list and
// returns the resulting permission bits. Symbolic clauses apply against a
// zero base; "X" behaves like "x" since there is no file to consult.
func Parse(s string) (fs.FileMode, error) {
	if s == "" {
		return 0, errors.New("empty mode")
	}
	if c := s[0]; c >= '0' && c <= '7' {
		n, err := strconv.ParseUint(s, 8, 32)
		if err != nil || n > 0o7777 {
			return 0, fmt.Errorf("invalid octal mode %q", s)
		}
		return fs.FileMode(n), nil
	}
	var mode uint32
	for _, clause := range strings.Split(s, ",") {
		m, err := applyClause(mode, clause)
		if err != nil {
			return 0, err
		}
		mode = m
	}
	return fs.FileMode(mode), nil
}

func applyClause(mode uint32, clause string) (uint32, error) {
	i := 0
	var who uint32
	for ; i < len(clause); i++ {
		switch clause[i] {
		case 'u':
			who |= bitsUser
		case 'g':
			who |= bitsGroup
		case 'o':
			who |= bitsOther
		case 'a':
			who |= bitsUser | bitsGroup | bitsOther
		default:
			goto op
		}
	}
op:
	if who == 0 {
		who = bitsUser | bitsGroup | bitsOther
	}
	if i == len(clause) {
		return 0, fmt.Errorf("mode clause %q has no operator", clause)
	}
	for i < len(clause) {
		op := clause[i]
		if op != '+' && op != '-' && op != '=' {
			return 0, fmt.Errorf("bad operator %q in mode clause %q", op, clause)
		}
		i++
		var perm uint32
		for ; i < len(clause); i++ {
			switch clause[i] {
			case 'r':
				perm |= 0o444
			case 'w':
				perm |= 0o222
			case 'x', 'X':
				perm |= 0o111
			case 's':
				perm |= 0o6000
			case 't':
				perm |= 0o1000
			case '+', '-', '=':
				goto apply
			default:
				return 0, fmt.Errorf("bad permission %q in mode clause %q", clause[i], clause)
			}
		}
	apply:
		switch op {
		case '+':
			mode |= perm & who
		case '-':
			mode &^= perm & who
		case '=':
			mode = (mode &^ who) | (perm & who)
		}
	}
	return mode, nil
}
