package entity

// Schema describes the column set of one source entity. Column definitions use the
// "name:TYPE" form, with "name:Nullable(TYPE)" for columns that may be absent.
type Schema interface {
	Type() Type
	Name() string
	PrimaryKeyColumns() []string
	PayloadColumns() []string
}

// DimensionSchema is a Schema whose rows are versioned. Only TrackedColumns take part in change
// detection.
type DimensionSchema interface {
	Schema
	TrackedColumns() []string
}

// TransactionSchema is a Schema whose rows become immutable facts.
type TransactionSchema interface {
	Schema
	BusinessTimeColumn() string
	References() []Reference
	// ParentColumn names the column referencing the parent order fact, or "" when there is none.
	ParentColumn() string
}

// Reference binds a transaction column holding a natural key to the dimension it resolves against.
type Reference struct {
	Column    string
	Dimension Type
}

// KeyName is the name of the resolved surrogate key on the fact row.
func (r Reference) KeyName() string {
	return string(r.Dimension) + "_key"
}

// RestaurantSchema defines the schema for restaurants
type RestaurantSchema struct{}

func (s *RestaurantSchema) Type() Type   { return Restaurant }
func (s *RestaurantSchema) Name() string { return "restaurants" }

func (s *RestaurantSchema) PrimaryKeyColumns() []string {
	return []string{"restaurant_id:VARCHAR"}
}

func (s *RestaurantSchema) PayloadColumns() []string {
	return []string{
		"restaurant_name:VARCHAR",
		"cuisine_type:Nullable(VARCHAR)",
		"address:Nullable(VARCHAR)",
		"city:Nullable(VARCHAR)",
		"state:Nullable(VARCHAR)",
		"country:Nullable(VARCHAR)",
		"postal_code:Nullable(VARCHAR)",
		"latitude:Nullable(DOUBLE)",
		"longitude:Nullable(DOUBLE)",
		"phone_number:Nullable(VARCHAR)",
		"email:Nullable(VARCHAR)",
		"operating_hours:Nullable(VARCHAR)",
		"source_system:Nullable(VARCHAR)",
	}
}

func (s *RestaurantSchema) TrackedColumns() []string {
	return []string{
		"restaurant_name", "cuisine_type", "address", "city", "state", "country", "postal_code",
		"latitude", "longitude", "phone_number", "email", "operating_hours",
	}
}

// ProductSchema defines the schema for menu products
type ProductSchema struct{}

func (s *ProductSchema) Type() Type   { return Product }
func (s *ProductSchema) Name() string { return "products" }

func (s *ProductSchema) PrimaryKeyColumns() []string {
	return []string{"product_id:VARCHAR"}
}

func (s *ProductSchema) PayloadColumns() []string {
	return []string{
		"restaurant_id:Nullable(VARCHAR)",
		"product_name:VARCHAR",
		"description:Nullable(VARCHAR)",
		"category:Nullable(VARCHAR)",
		"price:DOUBLE",
		"cost:Nullable(DOUBLE)",
		"is_vegetarian:Nullable(BOOLEAN)",
		"is_vegan:Nullable(BOOLEAN)",
		"is_gluten_free:Nullable(BOOLEAN)",
		"calories:Nullable(BIGINT)",
		"preparation_time:Nullable(BIGINT)",
		"source_system:Nullable(VARCHAR)",
	}
}

func (s *ProductSchema) TrackedColumns() []string {
	return []string{
		"restaurant_id", "product_name", "description", "category", "price", "cost",
		"is_vegetarian", "is_vegan", "is_gluten_free", "calories", "preparation_time",
	}
}

// PromotionSchema defines the schema for promotions
type PromotionSchema struct{}

func (s *PromotionSchema) Type() Type   { return Promotion }
func (s *PromotionSchema) Name() string { return "promotions" }

func (s *PromotionSchema) PrimaryKeyColumns() []string {
	return []string{"promotion_id:VARCHAR"}
}

func (s *PromotionSchema) PayloadColumns() []string {
	return []string{
		"promotion_name:VARCHAR",
		"description:Nullable(VARCHAR)",
		"discount_type:VARCHAR",
		"discount_value:DOUBLE",
		"start_date:Nullable(DATE)",
		"end_date:Nullable(DATE)",
		"min_order_value:Nullable(DOUBLE)",
		"max_discount:Nullable(DOUBLE)",
		"restaurant_id:Nullable(VARCHAR)",
		"is_active:Nullable(BOOLEAN)",
		"source_system:Nullable(VARCHAR)",
	}
}

func (s *PromotionSchema) TrackedColumns() []string {
	return []string{
		"promotion_name", "description", "discount_type", "discount_value", "start_date",
		"end_date", "min_order_value", "max_discount", "restaurant_id", "is_active",
	}
}

// CustomerSchema defines the schema for customers
type CustomerSchema struct{}

func (s *CustomerSchema) Type() Type   { return Customer }
func (s *CustomerSchema) Name() string { return "customers" }

func (s *CustomerSchema) PrimaryKeyColumns() []string {
	return []string{"customer_id:VARCHAR"}
}

func (s *CustomerSchema) PayloadColumns() []string {
	return []string{
		"first_name:Nullable(VARCHAR)",
		"last_name:Nullable(VARCHAR)",
		"email:Nullable(VARCHAR)",
		"phone_number:Nullable(VARCHAR)",
		"address:Nullable(VARCHAR)",
		"city:Nullable(VARCHAR)",
		"state:Nullable(VARCHAR)",
		"country:Nullable(VARCHAR)",
		"postal_code:Nullable(VARCHAR)",
		"latitude:Nullable(DOUBLE)",
		"longitude:Nullable(DOUBLE)",
		"referral_customer_id:Nullable(VARCHAR)",
		"source_system:Nullable(VARCHAR)",
	}
}

func (s *CustomerSchema) TrackedColumns() []string {
	return []string{
		"first_name", "last_name", "email", "phone_number", "address", "city", "state",
		"country", "postal_code", "latitude", "longitude", "referral_customer_id",
	}
}

// DeliveryPersonSchema defines the schema for delivery staff
type DeliveryPersonSchema struct{}

func (s *DeliveryPersonSchema) Type() Type   { return DeliveryPerson }
func (s *DeliveryPersonSchema) Name() string { return "delivery_persons" }

func (s *DeliveryPersonSchema) PrimaryKeyColumns() []string {
	return []string{"delivery_person_id:VARCHAR"}
}

func (s *DeliveryPersonSchema) PayloadColumns() []string {
	return []string{
		"name:VARCHAR",
		"age:Nullable(BIGINT)",
		"rating:Nullable(DOUBLE)",
		"vehicle_type:Nullable(VARCHAR)",
		"city:Nullable(VARCHAR)",
		"source_system:Nullable(VARCHAR)",
	}
}

func (s *DeliveryPersonSchema) TrackedColumns() []string {
	return []string{"name", "age", "rating", "vehicle_type", "city"}
}

// OrderSchema defines the schema for orders
type OrderSchema struct{}

func (s *OrderSchema) Type() Type   { return Order }
func (s *OrderSchema) Name() string { return "orders" }

func (s *OrderSchema) PrimaryKeyColumns() []string {
	return []string{"order_id:VARCHAR"}
}

func (s *OrderSchema) PayloadColumns() []string {
	return []string{
		"customer_id:Nullable(VARCHAR)",
		"restaurant_id:Nullable(VARCHAR)",
		"promotion_id:Nullable(VARCHAR)",
		"order_date:TIMESTAMP",
		"order_status:Nullable(VARCHAR)",
		"delivery_address:Nullable(VARCHAR)",
		"delivery_city:Nullable(VARCHAR)",
		"delivery_state:Nullable(VARCHAR)",
		"delivery_postal_code:Nullable(VARCHAR)",
		"order_total:DOUBLE",
		"tax_amount:Nullable(DOUBLE)",
		"tip_amount:Nullable(DOUBLE)",
		"payment_method:Nullable(VARCHAR)",
		"payment_status:Nullable(VARCHAR)",
	}
}

func (s *OrderSchema) BusinessTimeColumn() string { return "order_date" }
func (s *OrderSchema) ParentColumn() string       { return "" }

func (s *OrderSchema) References() []Reference {
	return []Reference{
		{Column: "customer_id", Dimension: Customer},
		{Column: "restaurant_id", Dimension: Restaurant},
		{Column: "promotion_id", Dimension: Promotion},
	}
}

// OrderItemSchema defines the schema for order line items
type OrderItemSchema struct{}

func (s *OrderItemSchema) Type() Type   { return OrderItem }
func (s *OrderItemSchema) Name() string { return "order_items" }

func (s *OrderItemSchema) PrimaryKeyColumns() []string {
	return []string{"order_item_id:VARCHAR"}
}

func (s *OrderItemSchema) PayloadColumns() []string {
	return []string{
		"order_id:VARCHAR",
		"product_id:Nullable(VARCHAR)",
		"quantity:BIGINT",
		"unit_price:DOUBLE",
		"item_total:Nullable(DOUBLE)",
		"special_instructions:Nullable(VARCHAR)",
		"created_at:TIMESTAMP",
	}
}

func (s *OrderItemSchema) BusinessTimeColumn() string { return "created_at" }
func (s *OrderItemSchema) ParentColumn() string       { return "order_id" }

func (s *OrderItemSchema) References() []Reference {
	return []Reference{
		{Column: "product_id", Dimension: Product},
	}
}

// DeliverySchema defines the schema for deliveries
type DeliverySchema struct{}

func (s *DeliverySchema) Type() Type   { return Delivery }
func (s *DeliverySchema) Name() string { return "deliveries" }

func (s *DeliverySchema) PrimaryKeyColumns() []string {
	return []string{"delivery_id:VARCHAR"}
}

func (s *DeliverySchema) PayloadColumns() []string {
	return []string{
		"order_id:VARCHAR",
		"delivery_person_id:Nullable(VARCHAR)",
		"delivery_status:Nullable(VARCHAR)",
		"pickup_time:TIMESTAMP",
		"delivery_time:Nullable(TIMESTAMP)",
		"estimated_delivery_time:Nullable(TIMESTAMP)",
		"delivery_distance:Nullable(DOUBLE)",
		"weather_conditions:Nullable(VARCHAR)",
		"traffic_density:Nullable(VARCHAR)",
		"vehicle_type:Nullable(VARCHAR)",
	}
}

func (s *DeliverySchema) BusinessTimeColumn() string { return "pickup_time" }
func (s *DeliverySchema) ParentColumn() string       { return "order_id" }

func (s *DeliverySchema) References() []Reference {
	return []Reference{
		{Column: "delivery_person_id", Dimension: DeliveryPerson},
	}
}

// RatingSchema defines the schema for ratings
type RatingSchema struct{}

func (s *RatingSchema) Type() Type   { return Rating }
func (s *RatingSchema) Name() string { return "ratings" }

func (s *RatingSchema) PrimaryKeyColumns() []string {
	return []string{"rating_id:VARCHAR"}
}

func (s *RatingSchema) PayloadColumns() []string {
	return []string{
		"order_id:VARCHAR",
		"customer_id:Nullable(VARCHAR)",
		"restaurant_id:Nullable(VARCHAR)",
		"delivery_person_id:Nullable(VARCHAR)",
		"food_rating:Nullable(BIGINT)",
		"delivery_rating:Nullable(BIGINT)",
		"overall_rating:BIGINT",
		"comments:Nullable(VARCHAR)",
		"created_at:TIMESTAMP",
	}
}

func (s *RatingSchema) BusinessTimeColumn() string { return "created_at" }
func (s *RatingSchema) ParentColumn() string       { return "order_id" }

func (s *RatingSchema) References() []Reference {
	return []Reference{
		{Column: "customer_id", Dimension: Customer},
		{Column: "restaurant_id", Dimension: Restaurant},
		{Column: "delivery_person_id", Dimension: DeliveryPerson},
	}
}

var schemas = []Schema{
	&RestaurantSchema{},
	&ProductSchema{},
	&PromotionSchema{},
	&CustomerSchema{},
	&DeliveryPersonSchema{},
	&OrderSchema{},
	&OrderItemSchema{},
	&DeliverySchema{},
	&RatingSchema{},
}
