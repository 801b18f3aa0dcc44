// Package template implements the rule template language: {expr} and
// {expr:format} substitutions resolved against a variable bag.
//
// Expressions are dotted/indexed paths ("wan_if", "hosts[0]", `cfg["k"]`,
// "client.alice"). A path whose root is a dynamic variable calls that
// variable's LookupFunc with the next path element, which is how rules
// reference dynamic chains. "{{" and "}}" render literal braces.
package template
