// Package risk holds the operator Policy, the risk Classifier and the
// preflight Validator that turns an agent's proposed actions into a
// ValidatedBatch or a typed rejection.
package risk
