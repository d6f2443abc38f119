// Copyright (C) 2025 dbnd authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package task

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"strconv"
	"time"
)

// ShortSignatureLen is the prefix length used in log lines, derived
// output paths, and CLI output. 12 hex characters (48 bits) keeps
// collision odds negligible at any realistic graph size.
const ShortSignatureLen = 12

// Signature computes the deterministic identity of a task instance.
//
// Description:
//
//	The signature is a sha256 over the definition name, the declared
//	parameter order, and the resolved input values. Two instantiations
//	with identical resolved inputs collapse to one signature regardless
//	of which pipeline, alias, or run produced them. Output parameters
//	never contribute: their addresses derive from the signature, so
//	including them would be circular.
//
//	Reference-bound inputs contribute the producer's instance signature
//	plus the referenced parameter name rather than an address. The
//	producer signature already encodes the producer's own resolved
//	inputs, so identity is transitive through dependency chains.
//
// Inputs:
//
//	defName - Definition name.
//	params - Declared parameter order (drives encoding order).
//	values - Resolved values from Bind.
//	refProducer - Producer signature per ref-bound parameter name.
//	              Parameters absent from the map encode by value.
//
// Outputs:
//
//	string - 64-character lowercase hex signature.
func Signature(defName string, params []ParamSpec, values Values, refProducer map[string]string) string {
	h := sha256.New()
	writeFrame(h, []byte("task:"+defName))
	for _, spec := range params {
		if spec.Output {
			continue
		}
		writeFrame(h, []byte("param:"+spec.Name))
		if producer, ok := refProducer[spec.Name]; ok {
			writeFrame(h, []byte("ref:"+producer+":"+refName(values[spec.Name])))
			continue
		}
		writeFrame(h, []byte(EncodeValue(values[spec.Name])))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ShortSignature returns the 12-character display prefix of sig.
func ShortSignature(sig string) string {
	if len(sig) <= ShortSignatureLen {
		return sig
	}
	return sig[:ShortSignatureLen]
}

// EncodeValue renders a resolved value in its canonical signature form.
// Each canonical type carries a distinct prefix so that, for example,
// the string "1" and the integer 1 never collide.
func EncodeValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "nil"
	case string:
		return "s:" + x
	case int64:
		return "i:" + strconv.FormatInt(x, 10)
	case float64:
		return "f:" + strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return "b:" + strconv.FormatBool(x)
	case time.Duration:
		return "d:" + strconv.FormatInt(int64(x), 10)
	default:
		// Bind normalizes all inputs, so this only fires on misuse.
		return fmt.Sprintf("?:%v", x)
	}
}

// refName extracts the referenced output parameter from a value that
// Bind left as an OutputRef.
func refName(v any) string {
	if ref, ok := v.(OutputRef); ok {
		return ref.Param
	}
	return ""
}

// writeFrame hashes b with a length prefix so adjacent fields cannot
// bleed into each other ("ab"+"c" vs "a"+"bc").
func writeFrame(h hash.Hash, b []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(b)))
	h.Write(n[:])
	h.Write(b)
}
