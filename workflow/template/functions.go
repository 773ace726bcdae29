// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package template

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"reflect"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// FunctionErrorKind classifies a template function call failure.
type FunctionErrorKind int

const (
	// InvalidArgument marks an argument of the wrong type or with an
	// unsupported value.
	InvalidArgument FunctionErrorKind = iota
	// IncorrectNumberOfArguments marks a call with too few or too
	// many arguments.
	IncorrectNumberOfArguments
	// InvalidInput marks an argument with the right type that the
	// function could not process.
	InvalidInput
)

// FunctionCallError is the error type returned by template functions.
type FunctionCallError struct {
	Kind    FunctionErrorKind
	Message string
}

func (e *FunctionCallError) Error() string {
	switch e.Kind {
	case InvalidArgument:
		return "function call error: invalid argument: " + e.Message
	case IncorrectNumberOfArguments:
		return "function call error: incorrect number of arguments: " + e.Message
	default:
		return "function call error: invalid input: " + e.Message
	}
}

func invalidArgument(msg string) error {
	return &FunctionCallError{Kind: InvalidArgument, Message: msg}
}

func incorrectNumberOfArguments(msg string) error {
	return &FunctionCallError{Kind: IncorrectNumberOfArguments, Message: msg}
}

func invalidInput(msg string) error {
	return &FunctionCallError{Kind: InvalidInput, Message: msg}
}

// Function is a template function callable from a payload template.
// Arguments and return values use the JSON data model: nil, bool,
// float64, string, []any and map[string]any.
type Function func(args []any) (any, error)

// Functions returns the v1 template function set keyed by name.
func Functions() map[string]Function {
	return map[string]Function{
		"format":            Format,
		"jsondecode":        JSONDecode,
		"jsonencode":        JSONEncode,
		"jsonmerge":         JSONMerge,
		"b64encode":         B64Encode,
		"b64decode":         B64Decode,
		"hash":              Hash,
		"list":              List,
		"chunk_list":        ChunkList,
		"list_elem":         ListElem,
		"remove_duplicates": RemoveDuplicates,
		"contains":          Contains,
		"split":             Split,
		"math_rand":         MathRand,
		"math_add":          MathAdd,
		"math_sub":          MathSub,
		"math_mult":         MathMult,
		"math_div":          MathDiv,
		"len":               Len,
		"uuid":              UUID,
		"nanoid":            NanoID,
	}
}

// Format formats a string, replacing each "{}" placeholder with the
// stringified argument in the order the arguments are provided.
func Format(args []any) (any, error) {
	if len(args) < 1 {
		return nil, incorrectNumberOfArguments("format function requires at least one argument")
	}

	formatString, ok := args[0].(string)
	if !ok {
		return nil, invalidArgument("format function requires the first argument to be a string")
	}

	placeholderCount := strings.Count(formatString, "{}")
	if len(args)-1 != placeholderCount {
		return nil, incorrectNumberOfArguments(fmt.Sprintf(
			"format function requires %d arguments after the format string, "+
				"one for each \"{}\" placeholder",
			placeholderCount,
		))
	}

	formatted := formatString
	for _, arg := range args[1:] {
		str, err := stringifyScalar(arg)
		if err != nil {
			return nil, err
		}
		formatted = strings.Replace(formatted, "{}", str, 1)
	}
	return formatted, nil
}

func stringifyScalar(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case int:
		return strconv.Itoa(v), nil
	case bool:
		return strconv.FormatBool(v), nil
	case nil:
		return "null", nil
	default:
		return "", invalidArgument("format function does not support arrays or objects as arguments")
	}
}

// JSONDecode decodes a JSON string into an object, array or scalar.
func JSONDecode(args []any) (any, error) {
	if len(args) != 1 {
		return nil, incorrectNumberOfArguments("jsondecode function requires a single argument")
	}

	encoded, ok := args[0].(string)
	if !ok {
		return nil, invalidArgument("jsondecode function requires the first argument to be a string")
	}

	var decoded any
	if err := json.Unmarshal([]byte(encoded), &decoded); err != nil {
		return nil, invalidInput(fmt.Sprintf("jsondecode function failed to decode JSON string: %s", err))
	}
	return decoded, nil
}

// JSONEncode encodes a value into a JSON string.
func JSONEncode(args []any) (any, error) {
	if len(args) != 1 {
		return nil, incorrectNumberOfArguments("jsonencode function requires a single argument")
	}

	encoded, err := json.Marshal(args[0])
	if err != nil {
		return nil, invalidInput(fmt.Sprintf("jsonencode function failed to encode JSON value: %s", err))
	}
	return string(encoded), nil
}

// JSONMerge merges two JSON objects into one; fields of the second
// object win on key collisions.
func JSONMerge(args []any) (any, error) {
	if len(args) != 2 {
		return nil, incorrectNumberOfArguments("jsonmerge function requires two arguments")
	}

	first, firstOK := args[0].(map[string]any)
	second, secondOK := args[1].(map[string]any)
	if !firstOK || !secondOK {
		return nil, invalidArgument("jsonmerge function requires two JSON objects as arguments")
	}

	merged := make(map[string]any, len(first)+len(second))
	for k, v := range first {
		merged[k] = v
	}
	for k, v := range second {
		merged[k] = v
	}
	return merged, nil
}

// B64Encode base64 encodes a string.
func B64Encode(args []any) (any, error) {
	if len(args) != 1 {
		return nil, incorrectNumberOfArguments("b64encode function requires a single argument")
	}

	input, ok := args[0].(string)
	if !ok {
		return nil, invalidArgument("b64encode function requires the first argument to be a string")
	}

	return base64.StdEncoding.EncodeToString([]byte(input)), nil
}

// B64Decode base64 decodes a string.
func B64Decode(args []any) (any, error) {
	if len(args) != 1 {
		return nil, incorrectNumberOfArguments("b64decode function requires a single argument")
	}

	input, ok := args[0].(string)
	if !ok {
		return nil, invalidArgument("b64decode function requires the first argument to be a string")
	}

	decoded, err := base64.StdEncoding.DecodeString(input)
	if err != nil {
		return nil, invalidInput(fmt.Sprintf("b64decode function failed to decode base64 string: %s", err))
	}
	return string(decoded), nil
}

// Hash hashes input data with the named algorithm and returns the hex
// encoded digest. SHA256, SHA384 and SHA512 are supported; MD5 and
// SHA1 are excluded as insecure.
func Hash(args []any) (any, error) {
	if len(args) != 2 {
		return nil, incorrectNumberOfArguments("hash function requires two arguments")
	}

	algorithm, ok := args[0].(string)
	if !ok {
		return nil, invalidArgument("hash function requires the first argument to be a string")
	}

	input, ok := args[1].(string)
	if !ok {
		return nil, invalidArgument("hash function requires the second argument to be a string")
	}

	switch algorithm {
	case "SHA256":
		sum := sha256.Sum256([]byte(input))
		return hex.EncodeToString(sum[:]), nil
	case "SHA384":
		sum := sha512.Sum384([]byte(input))
		return hex.EncodeToString(sum[:]), nil
	case "SHA512":
		sum := sha512.Sum512([]byte(input))
		return hex.EncodeToString(sum[:]), nil
	default:
		return nil, invalidArgument("hash function requires the first argument to be one of: SHA256, SHA384, SHA512")
	}
}

// List creates a list from a set of positional arguments.
func List(args []any) (any, error) {
	out := make([]any, len(args))
	copy(out, args)
	return out, nil
}

// ChunkList splits a list into chunks of the given size.
func ChunkList(args []any) (any, error) {
	if len(args) != 2 {
		return nil, incorrectNumberOfArguments("chunk_list function requires two arguments")
	}

	list, ok := args[0].([]any)
	if !ok {
		return nil, invalidArgument("chunk_list function requires the first argument to be a list")
	}

	chunkSize, ok := toInt(args[1])
	if !ok {
		return nil, invalidArgument("chunk_list function requires the second argument to be a number")
	}
	if chunkSize < 1 {
		return nil, invalidArgument("chunk_list function requires the second argument to be a positive number")
	}

	chunks := make([]any, 0, (len(list)+int(chunkSize)-1)/int(chunkSize))
	for start := 0; start < len(list); start += int(chunkSize) {
		end := start + int(chunkSize)
		if end > len(list) {
			end = len(list)
		}
		chunk := make([]any, end-start)
		copy(chunk, list[start:end])
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

// ListElem returns the element of a list at a specific index.
func ListElem(args []any) (any, error) {
	if len(args) != 2 {
		return nil, incorrectNumberOfArguments("list_elem function requires two arguments")
	}

	list, ok := args[0].([]any)
	if !ok {
		return nil, invalidArgument("list_elem function requires the first argument to be a list")
	}

	index, ok := toInt(args[1])
	if !ok {
		return nil, invalidArgument("list_elem function requires the second argument to be a number")
	}

	// Null can be a valid element value, so an out of bounds index is
	// an error rather than a null result.
	if index < 0 || index >= int64(len(list)) {
		return nil, invalidInput("list_elem function failed to get element at index: index out of bounds")
	}
	return list[index], nil
}

// RemoveDuplicates removes duplicate values from a list using deep
// equality, preserving first occurrences.
func RemoveDuplicates(args []any) (any, error) {
	if len(args) != 1 {
		return nil, incorrectNumberOfArguments("remove_duplicates function requires a single argument")
	}

	list, ok := args[0].([]any)
	if !ok {
		return nil, invalidArgument("remove_duplicates function requires the first argument to be a list")
	}

	unique := make([]any, 0, len(list))
	for _, elem := range list {
		seen := false
		for _, existing := range unique {
			if reflect.DeepEqual(existing, elem) {
				seen = true
				break
			}
		}
		if !seen {
			unique = append(unique, elem)
		}
	}
	return unique, nil
}

// Contains reports whether a value is present in a list or a
// substring is present in a string.
func Contains(args []any) (any, error) {
	if len(args) != 2 {
		return nil, incorrectNumberOfArguments("contains function requires two arguments")
	}

	switch haystack := args[0].(type) {
	case []any:
		for _, elem := range haystack {
			if reflect.DeepEqual(elem, args[1]) {
				return true, nil
			}
		}
		return false, nil
	case string:
		needle, ok := args[1].(string)
		if !ok {
			return nil, invalidArgument("contains function requires the second argument to be " +
				"a string when the first argument is a string")
		}
		return strings.Contains(haystack, needle), nil
	default:
		return nil, invalidArgument("contains function requires the first argument to be a list or a string")
	}
}

// Split splits a string into a list of substrings on a delimiter.
func Split(args []any) (any, error) {
	if len(args) != 2 {
		return nil, incorrectNumberOfArguments("split function requires two arguments")
	}

	str, ok := args[0].(string)
	if !ok {
		return nil, invalidArgument("split function requires the first argument to be a string")
	}

	delimiter, ok := args[1].(string)
	if !ok {
		return nil, invalidArgument("split function requires the second argument to be a string")
	}

	parts := strings.Split(str, delimiter)
	out := make([]any, len(parts))
	for i, part := range parts {
		out[i] = part
	}
	return out, nil
}

// MathRand generates a random integer in the half-open range
// [min, max).
func MathRand(args []any) (any, error) {
	if len(args) != 2 {
		return nil, incorrectNumberOfArguments("math_rand function requires two arguments")
	}

	min, ok := toInt(args[0])
	if !ok {
		return nil, invalidArgument("math_rand function requires the first argument to be a number")
	}

	max, ok := toInt(args[1])
	if !ok {
		return nil, invalidArgument("math_rand function requires the second argument to be a number")
	}

	if min >= max {
		return nil, invalidArgument("math_rand function requires the min to be less than the max")
	}

	return float64(min + rand.Int63n(max-min)), nil
}

// MathAdd adds two numbers together.
func MathAdd(args []any) (any, error) {
	first, second, err := twoNumbers(args, "math_add")
	if err != nil {
		return nil, err
	}
	return first + second, nil
}

// MathSub subtracts the second number from the first.
func MathSub(args []any) (any, error) {
	first, second, err := twoNumbers(args, "math_sub")
	if err != nil {
		return nil, err
	}
	return first - second, nil
}

// MathMult multiplies two numbers together.
func MathMult(args []any) (any, error) {
	first, second, err := twoNumbers(args, "math_mult")
	if err != nil {
		return nil, err
	}
	return first * second, nil
}

// MathDiv divides the first number by the second.
func MathDiv(args []any) (any, error) {
	first, second, err := twoNumbers(args, "math_div")
	if err != nil {
		return nil, err
	}
	if second == 0 {
		return nil, invalidInput("math_div function requires the second argument to be a non-zero number")
	}
	return first / second, nil
}

// Len returns the number of elements in a list or the number of
// characters in a string.
func Len(args []any) (any, error) {
	if len(args) != 1 {
		return nil, incorrectNumberOfArguments("len function requires a single argument")
	}

	switch v := args[0].(type) {
	case []any:
		return float64(len(v)), nil
	case string:
		return float64(utf8.RuneCountInString(v)), nil
	default:
		return nil, invalidArgument("len function requires the first argument to be a list or a string")
	}
}

// UUID generates a random version 4 UUID string.
func UUID(args []any) (any, error) {
	if len(args) != 0 {
		return nil, incorrectNumberOfArguments("uuid function takes no arguments")
	}
	return uuid.NewString(), nil
}

// NanoID generates a random nanoid string.
func NanoID(args []any) (any, error) {
	if len(args) != 0 {
		return nil, incorrectNumberOfArguments("nanoid function takes no arguments")
	}
	id, err := gonanoid.New()
	if err != nil {
		return nil, invalidInput(fmt.Sprintf("nanoid function failed to generate an id: %s", err))
	}
	return id, nil
}

func twoNumbers(args []any, funcName string) (float64, float64, error) {
	if len(args) != 2 {
		return 0, 0, incorrectNumberOfArguments(funcName + " function requires two arguments")
	}

	first, ok := toFloat(args[0])
	if !ok {
		return 0, 0, invalidArgument(funcName + " function requires the first argument to be a number")
	}

	second, ok := toFloat(args[1])
	if !ok {
		return 0, 0, invalidArgument(funcName + " function requires the second argument to be a number")
	}
	return first, second, nil
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

func toInt(value any) (int64, bool) {
	switch v := value.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}
